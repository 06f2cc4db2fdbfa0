// Package cli wires the agent components into the lumina-agent command.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/blueberrycongee/Lumina-Note-sub000/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"  _                    _\n" +
		" | |   _   _ _ __ ___ (_)_ __   __ _\n" +
		" | |  | | | | '_ ` _ \\| | '_ \\ / _` |\n" +
		" | |__| |_| | | | | | | | | | | (_| |\n" +
		" |_____\\__,_|_| |_| |_|_|_| |_|\\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "lumina-agent",
	Short: "Lumina - note vault agent",
	Long:  color.CyanString(logo) + "\nAn agent that reads, writes, and organizes your markdown note vault.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(indexCmd)
}
