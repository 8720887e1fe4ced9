// Package main is the entry point for the neetbox CLI.
package main

import (
	"fmt"
	"os"

	"github.com/inercia/neetbox/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
