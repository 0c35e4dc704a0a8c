package main

import (
	"os"

	"github.com/psantana5/timebomb/cmd/timebomb/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
