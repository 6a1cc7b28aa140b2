package main

import (
	"os"

	"github.com/tkingovr/txguard/cmd/txguard/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
