package main

import (
	"os"

	"github.com/relayssh/connsvc/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(-1)
	}
}
