// Command mayaclaw runs the Maya personal assistant.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/mayaclaw/cmd/mayaclaw/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
