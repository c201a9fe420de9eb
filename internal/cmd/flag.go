package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required                             bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $HOME/.config/maestro/config.yaml)",
	}
	hostFlag = commandLineFlag{
		name:      "host",
		shorthand: "s",
		usage:     "server host",
	}
	portFlag = commandLineFlag{
		name:      "port",
		shorthand: "p",
		usage:     "server port",
	}
	dotenvFlag = commandLineFlag{
		name:  "dotenv",
		usage: "dotenv file to load before reading the config",
	}
	addrFlag = commandLineFlag{
		name:         "addr",
		shorthand:    "a",
		defaultValue: "",
		usage:        "controller address to query (default is the configured host:port)",
	}
)

func initFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	flags = append(flags, configFlag)
	for _, flag := range flags {
		cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

// bindFlags feeds the command's flags into viper so that set flags
// override file and environment values during config resolution.
func bindFlags(cmd *cobra.Command, flags ...commandLineFlag) error {
	flags = append(flags, configFlag)
	for _, flag := range flags {
		if err := viper.BindPFlag(flag.name, cmd.Flags().Lookup(flag.name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag.name, err)
		}
	}
	return nil
}
