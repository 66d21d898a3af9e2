package main

import (
	"fmt"
	"os"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := NewRootCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
