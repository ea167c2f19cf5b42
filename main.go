package main

import (
	"os"

	"github.com/loomlabs/loom/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
