// Package main provides the entry point for the tmig CLI.
package main

import (
	"os"

	"github.com/randalmurphal/tmig/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
