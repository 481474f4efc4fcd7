package main

import (
	"os"

	"github.com/wakeside/skipper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
