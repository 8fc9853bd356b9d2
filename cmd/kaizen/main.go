package main

import (
	"os"

	"github.com/kaizen-agent/kaizen/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
