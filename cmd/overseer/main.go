// Package main provides the entry point for the overseer CLI.
package main

import (
	"os"

	"github.com/randalmurphal/overseer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
