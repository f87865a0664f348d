package main

import (
	"os"

	"github.com/always-cache/sonic/cmd/sonic/commands"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
