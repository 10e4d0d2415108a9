package main

import (
	"os"

	"github.com/medhive/coordinator/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
