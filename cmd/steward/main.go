package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward - safety layer for autonomously evolving components",
	Long: `Steward versions components, tests candidate versions before they ship,
deploys them atomically and rolls them back when production health degrades.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Steward version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("steward", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(componentCmd)
	rootCmd.AddCommand(loopCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
