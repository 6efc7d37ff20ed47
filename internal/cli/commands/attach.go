package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/apiclient"
	"github.com/sweetlink/sweetlink/internal/browser"
	"github.com/sweetlink/sweetlink/internal/client"
	"github.com/sweetlink/sweetlink/internal/console"
	"github.com/sweetlink/sweetlink/internal/executor"
	"github.com/sweetlink/sweetlink/internal/protocol"
)

var statusStyles = map[client.Status]lipgloss.Style{
	client.StatusIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	client.StatusConnecting: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	client.StatusConnected:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
	client.StatusError:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
}

func NewAttachCommand() *cobra.Command {
	var (
		cdpURL      string
		targetID    string
		urlContains string
		fresh       bool
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Bridge an open browser tab to the daemon",
		Long: `Attach to a tab of a browser started with --remote-debugging-port and keep it
registered with the daemon, so CLI commands run inside that tab.`,
		Example: `  sweetlink attach --cdp-url http://127.0.0.1:9222 --url-contains localhost:3000`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, "attach")
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tab := browser.New(&browser.Config{ControlURL: cdpURL, TargetID: targetID, URLContains: urlContains})
			if err := tab.Connect(ctx); err != nil {
				return err
			}
			defer tab.Close()

			api, err := newAPI(cfg, 15*time.Second)
			if err != nil {
				return err
			}

			capture := console.NewCapture()
			runner := executor.New(executor.Options{
				Handlers: executor.PageHandlers(tab, capture),
				Logger:   logger,
			})

			var store client.SessionStore = client.NewFileSessionStore(cfg.Client.StatePath)
			if fresh {
				_ = store.Clear()
			}

			history := client.NewHistory(client.DefaultHistorySize)
			page, err := client.New(client.Options{
				Dialer:   client.WSDialer{},
				Executor: runner,
				Page: func() client.PageInfo {
					infoCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					defer cancel()
					info, err := tab.PageInfo(infoCtx)
					if err != nil {
						logger.Warn().Err(err).Msg("Failed to read page info")
					}
					return client.PageInfo(info)
				},
				Store:     store,
				Handshake: client.HTTPHandshake(api, protocol.HandshakeRequest{Subject: "sweetlink-attach"}),
				Preload: func(ctx context.Context) error {
					return tab.WaitReady(ctx, "body")
				},
				HeartbeatInterval:    cfg.Session.HeartbeatInterval(),
				ReconnectBaseDelay:   cfg.Client.ReconnectBaseDelay(),
				MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
				Observers:            []client.Observer{history.Observe, statusPrinter(out)},
				Logger:               logger,
			})
			if err != nil {
				return err
			}
			defer page.Close()

			err = tab.OnConsole(func(level protocol.ConsoleLevel, args []any) {
				ev := console.NewEvent(level, args, time.Now())
				capture.Observe(ev)
				page.RecordEvent(ev)
			})
			if err != nil {
				return err
			}

			boot, err := initialBootstrap(ctx, store, api, cmd)
			if err != nil {
				return err
			}
			if err := page.StartSession(ctx, boot); err != nil {
				logger.Warn().Err(err).Msg("Initial connect failed, retrying in the background")
			}

			<-ctx.Done()
			fmt.Fprintln(out, "Detaching...")
			return nil
		},
	}

	cmd.Flags().StringVar(&cdpURL, "cdp-url", "http://127.0.0.1:9222", "Browser DevTools endpoint")
	cmd.Flags().StringVar(&targetID, "target", "", "Target id of the tab to attach to")
	cmd.Flags().StringVar(&urlContains, "url-contains", "", "Attach to the first tab whose URL contains this text")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Ignore a stored session and handshake anew")
	return cmd
}

// initialBootstrap resumes a fresh stored session or asks the daemon for one.
func initialBootstrap(ctx context.Context, store client.SessionStore, api *apiclient.Client, cmd *cobra.Command) (client.Bootstrap, error) {
	if stored, err := store.Load(); err == nil && stored != nil && client.DefaultIsFresh(*stored, time.Now()) {
		fmt.Fprintf(cmd.OutOrStdout(), "Resuming session %s\n", stored.SessionID)
		return *stored, nil
	}
	resp, err := api.Handshake(ctx, protocol.HandshakeRequest{Subject: "sweetlink-attach"})
	if err != nil {
		return client.Bootstrap{}, fmt.Errorf("handshake: %w", err)
	}
	return client.BootstrapFromHandshake(resp), nil
}

func statusPrinter(w io.Writer) client.Observer {
	return func(s client.Snapshot) {
		label := string(s.Status)
		if style, ok := statusStyles[s.Status]; ok {
			label = style.Render(label)
		}
		line := fmt.Sprintf("%s %s", dimStyle.Render(s.At.Format("15:04:05")), label)
		if s.Codename != "" {
			line += " as " + s.Codename
		}
		if s.Reason != "" {
			line += dimStyle.Render(" (" + s.Reason + ")")
		}
		fmt.Fprintln(w, line)
	}
}
