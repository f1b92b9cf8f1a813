package main

import (
	"os"

	"github.com/austindbirch/fngate/cmd/fngatectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
