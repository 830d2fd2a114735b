// Command nyx runs the deterministic dispatcher, its HTTP server and the
// replay and scenario tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/evidence/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "nyx:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
