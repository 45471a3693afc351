package main

import (
	"os"

	"github.com/psantana5/botkeeper/cmd/botkeeper/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
