package main

import (
	"fmt"
	"os"

	"github.com/dgellow/tokenfront/cmd/tokenfront/cmd"
)

var BuildVersion = "dev"

func main() {
	if err := cmd.Execute(BuildVersion); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
