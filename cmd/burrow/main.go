package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var serverAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - virtual desktop connection broker",
	Long: `Burrow brokers users onto pooled virtual desktops. It keeps pools of
pre-provisioned resources warm, assigns them exclusively to users on
request, and relays desktop traffic through single-use tunnel tickets
so clients never learn where a resource actually runs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8440",
		"broker API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tunnelCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(sdefCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(assignmentCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(applyCmd)
}
