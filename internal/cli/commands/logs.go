package commands

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func NewLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "logs",
		Short:   "Follow the background daemon's log (tail -f)",
		Long:    `Follow the log file written by a daemon started with 'sweetlink daemon start --detached'.`,
		Example: `  sweetlink logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile := daemonLogPath()
			if _, err := os.Stat(logFile); os.IsNotExist(err) {
				return fmt.Errorf("log file not found at %s. Is the daemon running in detached mode?", logFile)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Displaying logs from: %s\n", logFile)
			fmt.Fprintln(out, "Press Ctrl+C to exit.")
			fmt.Fprintln(out, "---")

			tailPath, err := exec.LookPath("tail")
			if err != nil {
				return fmt.Errorf("'tail' command not found in PATH")
			}

			c := exec.CommandContext(cmd.Context(), tailPath, "-f", logFile)
			c.Stdout = out
			c.Stderr = cmd.ErrOrStderr()
			return c.Run()
		},
	}
}
