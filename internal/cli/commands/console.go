package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

var levelStyles = map[protocol.ConsoleLevel]lipgloss.Style{
	protocol.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	protocol.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	protocol.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	protocol.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
}

func NewConsoleCommand() *cobra.Command {
	var (
		asJSON bool
		level  string
	)

	cmd := &cobra.Command{
		Use:   "console <session>",
		Short: "Print the console events buffered for a page",
		Example: `  sweetlink console calm-heron
  sweetlink console calm-heron --level error --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			api, err := newAPI(cfg, 10*time.Second)
			if err != nil {
				return err
			}
			id, err := resolveSession(cmd.Context(), api, args[0])
			if err != nil {
				return err
			}
			events, err := api.Console(cmd.Context(), id)
			if err != nil {
				return err
			}
			if level != "" {
				events = filterLevel(events, protocol.ConsoleLevel(level))
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), protocol.ConsoleResponse{SessionID: id, Events: events})
			}
			writeConsole(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.Flags().StringVar(&level, "level", "", "Only show one level (log, info, warn, error, debug)")
	return cmd
}

func filterLevel(events []protocol.ConsoleEvent, level protocol.ConsoleLevel) []protocol.ConsoleEvent {
	out := events[:0:0]
	for _, ev := range events {
		if ev.Level == level {
			out = append(out, ev)
		}
	}
	return out
}

func writeConsole(w io.Writer, events []protocol.ConsoleEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No console events buffered.")
		return
	}
	for _, ev := range events {
		ts := time.UnixMilli(ev.Timestamp).Format("15:04:05.000")
		tag := fmt.Sprintf("%-5s", ev.Level)
		if style, ok := levelStyles[ev.Level]; ok {
			tag = style.Render(tag)
		}
		fmt.Fprintf(w, "%s %s %s\n", dimStyle.Render(ts), tag, formatArgs(ev.Args))
	}
}
