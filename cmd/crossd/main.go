package main

import (
	"fmt"
	"os"

	"github.com/meridianfi/crossd/cli"
)

var version = "v0.1.0"

func main() {
	if err := cli.Run(version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
