// Package main implements the bindelta CLI.
// It diffs two exported binary graphs, reports matched functions and basic
// blocks, and persists results to a SQLite database.
package main

import (
	"os"

	"github.com/l3aro/bindelta/cmd/bindelta/commands"
)

var version = "dev"

func main() {
	commands.RootCmd.Version = version
	commands.RootCmd.SetVersionTemplate(`bindelta version {{.Version}}
`)
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
