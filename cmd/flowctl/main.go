package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "flowctl",
	Short:        "Contact center operator tool",
	Long:         `flowctl validates IVR flows and routing rules before they are deployed, and reports IVR analytics.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "flowctl version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
