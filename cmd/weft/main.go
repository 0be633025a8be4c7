package main

import (
	"fmt"
	"os"

	"github.com/weftworks/weft/internal/cli"
)

func main() {
	// Subcommands silence cobra's own error printing, so the error lands
	// here exactly once, alongside its exit code.
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
