// Command rpmemctl is an operator-facing tool for inspecting a running
// rpmemd's exported metrics.
package main

import (
	"fmt"
	"os"

	"github.com/openpmem/rpmem/cmd/rpmemctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
