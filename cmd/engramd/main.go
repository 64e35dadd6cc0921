package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "engramd",
	Short:         "Auto-trigger memory engine",
	Long:          "engramd watches conversation streams, decides when something is worth remembering, and keeps a durable, searchable memory store in sync.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, syncCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
