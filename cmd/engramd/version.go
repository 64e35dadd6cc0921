package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hikarudo/engram/common/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("engramd", version.Info())
	},
}
