// Package main provides the entry point for the SweetLink CLI.
package main

import (
	"os"

	"github.com/sweetlink/sweetlink/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
