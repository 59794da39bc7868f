package main

import (
	"github.com/luma/conduit/cmd"
)

func main() {
	cmd.Execute()
}
