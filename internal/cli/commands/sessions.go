package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

var (
	liveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func NewSessionsCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List pages connected to the daemon",
		Example: `  sweetlink sessions
  sweetlink sessions --output yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			api, err := newAPI(cfg, 10*time.Second)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, "cli")

			sessions, err := api.Sessions(cmd.Context())
			if err != nil {
				return err
			}

			cache, closeCache, err := openCodenames(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("Codenames unavailable, showing daemon names")
			} else {
				defer closeCache()
				if stable, err := cache.Stabilize(cmd.Context(), sessions); err != nil {
					logger.Warn().Err(err).Msg("Failed to persist codenames")
				} else {
					sessions = stable
				}
			}

			return writeSessions(cmd.OutOrStdout(), sessions, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

func writeSessions(w io.Writer, sessions []protocol.SessionSummary, output string) error {
	switch output {
	case "json":
		return printJSON(w, protocol.SessionsResponse{Sessions: sessions})
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"sessions": sessions}); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(w, "No active sessions.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Codename", "Session", "Title", "URL", "Heartbeat", "Console", "Pending", "Socket", "State"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, s := range sessions {
		state := liveStyle.Render("live")
		if s.Stale {
			state = staleStyle.Render("stale")
		}
		codename := s.Codename
		if codename == "" {
			codename = dimStyle.Render("-")
		}
		table.Append([]string{
			codename,
			s.SessionID,
			truncate(s.Title, 32),
			truncate(s.URL, 48),
			formatAgo(s.HeartbeatMsAgo),
			fmt.Sprintf("%d (%d err)", s.ConsoleEventsBuffered, s.ConsoleErrorsBuffered),
			strconv.Itoa(s.PendingCommandCount),
			string(s.SocketState),
			state,
		})
	}
	table.Render()
	return nil
}

func formatAgo(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return "just now"
	}
	return d.Round(time.Second).String() + " ago"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
