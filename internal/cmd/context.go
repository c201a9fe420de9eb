package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/controller"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
)

// Context carries the resolved configuration and logger for one command
// invocation.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
	Quiet   bool
}

// NewContext loads the configuration, builds the logger context, and
// logs any warnings collected while resolving the configuration.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	if err := bindFlags(cmd, flags...); err != nil {
		return nil, err
	}

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}

	var loaderOpts []config.ConfigLoaderOption
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	if dotenv, _ := cmd.Flags().GetString("dotenv"); dotenv != "" {
		loaderOpts = append(loaderOpts, config.WithDotenvFile(dotenv))
	}

	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var opts []logger.Option
	if cfg.Global.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.Global.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.Global.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// NewController assembles a controller replica from the loaded config.
func (c *Context) NewController() (*controller.Controller, error) {
	return controller.New(c.Context, c.Config)
}

// StringParam retrieves a string flag from the command line.
func (c *Context) StringParam(name string) (string, error) {
	val, err := c.Command.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("failed to get flag %s: %w", name, err)
	}
	return val, nil
}

// NewCommand wraps a cobra command with flag registration, context setup
// and error reporting.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			fmt.Printf("Initialization error: %v\n", err)
			os.Exit(1)
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", tag.Error(err))
			os.Exit(1)
		}
		return nil
	}

	return cmd
}
