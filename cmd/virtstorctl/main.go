// Package main is the entry point for virtstorctl.
package main

import (
	"fmt"
	"os"

	"github.com/virtstor/virtstor/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
