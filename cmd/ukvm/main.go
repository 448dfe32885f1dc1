package main

import (
	"os"

	"github.com/tinyrange/ukvm/cmd/ukvm/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
