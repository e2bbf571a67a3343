package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cmdMain = &cobra.Command{
	Use:   "kaspa-miner",
	Short: "Kaspa heavyhash miner",
}

func main() {
	if err := cmdMain.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
