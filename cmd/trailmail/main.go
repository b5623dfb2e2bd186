package main

import (
	"os"

	"github.com/trailmail-systems/trailmail/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
