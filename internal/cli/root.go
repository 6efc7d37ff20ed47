// Package cli provides the command-line interface for SweetLink.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/cli/commands"
	"github.com/sweetlink/sweetlink/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "sweetlink",
	Short: "SweetLink - drive live browser pages from the terminal",
	Long: `SweetLink bridges browser pages to a local daemon so that scripts, DOM queries,
navigation and screenshots can be run inside them from the command line.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			return nil
		}
		return os.Setenv("SWEETLINK_CONFIG_PATH", path)
	},
}

func init() {
	rootCmd.AddCommand(commands.NewDaemonCommand())
	rootCmd.AddCommand(commands.NewLogsCommand())
	rootCmd.AddCommand(commands.NewTokenCommand())
	rootCmd.AddCommand(commands.NewSessionsCommand())
	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewClickCommand())
	rootCmd.AddCommand(commands.NewDomCommand())
	rootCmd.AddCommand(commands.NewNavigateCommand())
	rootCmd.AddCommand(commands.NewPingCommand())
	rootCmd.AddCommand(commands.NewDiscoverCommand())
	rootCmd.AddCommand(commands.NewScreenshotCommand())
	rootCmd.AddCommand(commands.NewConsoleCommand())
	rootCmd.AddCommand(commands.NewAttachCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.sweetlink/sweetlink.json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
