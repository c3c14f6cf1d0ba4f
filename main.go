package main

import (
	"os"

	"github.com/xlttj/pbiproxy/pkg/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
