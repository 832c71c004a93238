package main

import (
	"os"

	"github.com/ent0n29/fhemarket/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
