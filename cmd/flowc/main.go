// Command flowc compiles CUE flow descriptions into staged execution plans
// and runs them in-process.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/flowc/internal/cli"
)

func main() {
	if err := cli.Execute(cli.NewRootCommand()); err != nil {
		// Formatted output was already written by the command; usage
		// errors from cobra itself were not.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
