package main

import (
	"os"

	"github.com/johnson452/amrex/cmd/amrex/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
