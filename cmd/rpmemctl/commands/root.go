// Package commands implements rpmemctl's CLI commands.
package commands

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "rpmemctl",
	Short:         "Inspect a running rpmemd daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
