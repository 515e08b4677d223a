package main

import (
	"os"

	"github.com/quietshell/qsh/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
