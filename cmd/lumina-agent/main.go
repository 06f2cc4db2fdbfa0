// Package main is the entry point for the lumina-agent CLI.
package main

import (
	"os"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
