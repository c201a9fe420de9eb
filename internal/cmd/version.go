package cmd

import (
	"github.com/spf13/cobra"

	"github.com/maestrohq/maestro/internal/build"
)

// CmdVersion creates the command that prints the binary version.
func CmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the binary version",
		Long:  `Print the current version of the maestro executable.`,
		Run: func(_ *cobra.Command, _ []string) {
			println(build.Version)
		},
	}
}
