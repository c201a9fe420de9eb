package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
)

// CmdStart creates the command that runs a controller replica.
func CmdStart() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "start [flags]",
			Short: "Run a controller replica",
			Long: `Start one controller replica: the HTTP API, worker registry, task
router, health monitoring, leader election and maintenance jobs run in a
single process.

Workers register themselves against the HTTP API once the controller is
up. Multiple replicas sharing one PostgreSQL database elect a single
active master when failover is enabled.

Flags:
  --host string    Host address to bind the API server to (default: 127.0.0.1)
  --port int       Port number to listen on (default: 8700)
  --dotenv string  Dotenv file to load before reading the config

Example:
  maestro start --host=0.0.0.0 --port=8700

This process runs in the foreground until terminated.
`,
		}, startFlags, runStart,
	)
}

var startFlags = []commandLineFlag{hostFlag, portFlag, dotenvFlag}

func runStart(ctx *Context, _ []string) error {
	signalCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := ctx.NewController()
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	logger.Info(ctx, "Controller initialization",
		tag.Master(ctx.Config.Master.ID),
		tag.String("host", ctx.Config.Server.Host),
		tag.Port(ctx.Config.Server.Port))

	if err := ctrl.Run(signalCtx); err != nil {
		return fmt.Errorf("controller exited: %w", err)
	}
	return nil
}
