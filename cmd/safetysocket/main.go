package main

import (
	"os"

	"github.com/TheusHen/safetysocket/cmd/safetysocket/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
