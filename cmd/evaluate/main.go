package main

import (
	"os"

	"rootscope/cmd/evaluate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
