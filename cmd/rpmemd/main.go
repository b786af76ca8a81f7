// Command rpmemd is the remote persistent-memory daemon. It is
// normally not invoked directly by an operator: the client library
// spawns it as the remote command of an SSH session (§6.3) and talks
// to it over that session's stdin/stdout.
package main

import (
	"fmt"
	"os"

	"github.com/openpmem/rpmem/cmd/rpmemd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
