package main

import (
	"os"

	"github.com/mockmate/callkit/cmd/callkit/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
