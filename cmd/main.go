package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/maestrohq/maestro/internal/build"
	"github.com/maestrohq/maestro/internal/cmd"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "Maestro is a master controller for a pool of AI workers",
	Long: `Maestro is a master controller for a distributed pool of specialized AI
worker processes.

It accepts chat requests over HTTP, plans them into typed steps, routes
each step to the best available worker based on capability, health and
past performance, validates the answers, and caches them. Controller
replicas sharing one database elect a single active master.
`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress log output")

	rootCmd.AddCommand(cmd.CmdStart())
	rootCmd.AddCommand(cmd.CmdStatus())
	rootCmd.AddCommand(cmd.CmdVersion())

	build.Version = version
}

var version = "dev"
