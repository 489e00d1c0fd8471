package main

import (
	"os"

	"batch-calc-engine/cmd/calcbatch/commands"
)

func main() {
	if err := commands.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
