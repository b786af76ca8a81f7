// Package commands implements rpmemd's CLI commands.
package commands

import (
	"errors"
	"syscall"

	"github.com/openpmem/rpmem/internal/wire"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "rpmemd",
	Short:         "Remote persistent-memory daemon",
	Long:          `rpmemd serves pool lifecycle requests over its stdin/stdout, as spawned by a client's SSH session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "explicit config file path")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(removeCmd)
}

// ExitCode maps err to the OS errno rpmemd should exit with (§6.4: "the
// OS errno of the most recent fatal operation on failure; 0 on clean
// exit").
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var werr *wire.Error
	if errors.As(err, &werr) {
		return int(werr.Status.Errno())
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 1
}
