package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "2030 Community Platform relay",
	Long: `relay runs and talks to the 2030 Community Platform real-time relay.

Every message a connected client sends is fanned out to all open
connections, sender included. Nothing is stored or replayed.

Use "relay [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
