package main

import (
	"os"

	"github.com/offenewerkstatt/maco/cmd/maco/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
