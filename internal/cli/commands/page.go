package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

// errCommandFailed is returned after an ok:false result has been printed.
var errCommandFailed = errors.New("command failed in the page")

// pageCommandFlags are shared by every command that targets one session.
type pageCommandFlags struct {
	timeout time.Duration
	json    bool
}

func (f *pageCommandFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0, "Dispatch timeout (default: session.commandTimeoutMs)")
	cmd.Flags().BoolVarP(&f.json, "json", "j", false, "Print the full result as JSON")
}

// sendCommand dispatches c and prints the outcome.
func sendCommand(cmd *cobra.Command, hint string, c protocol.Command, flags pageCommandFlags) (protocol.CommandResult, error) {
	result, err := dispatchCommand(cmd, hint, c, flags)
	if err != nil {
		return result, err
	}
	return result, printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), result, flags.json)
}

// dispatchCommand resolves hint to a session and runs c there.
func dispatchCommand(cmd *cobra.Command, hint string, c protocol.Command, flags pageCommandFlags) (protocol.CommandResult, error) {
	cfg, err := loadConfig()
	if err != nil {
		return protocol.CommandResult{}, err
	}
	wait := flags.timeout
	if wait <= 0 {
		wait = cfg.Session.CommandTimeout()
	}
	if t := c.Timeout(); t > wait {
		wait = t
	}
	api, err := newAPI(cfg, wait+10*time.Second)
	if err != nil {
		return protocol.CommandResult{}, err
	}

	ctx := cmd.Context()
	id, err := resolveSession(ctx, api, hint)
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return api.Command(ctx, id, c, flags.timeout)
}

func printResult(out, errOut io.Writer, result protocol.CommandResult, asJSON bool) error {
	if asJSON {
		if err := printJSON(out, result); err != nil {
			return err
		}
		if !result.OK {
			return errCommandFailed
		}
		return nil
	}

	for _, ev := range result.Console {
		fmt.Fprintf(errOut, "[console.%s] %s\n", ev.Level, formatArgs(ev.Args))
	}
	if !result.OK {
		fmt.Fprintf(errOut, "Error: %s\n", result.Error)
		if result.Stack != "" {
			fmt.Fprintln(errOut, result.Stack)
		}
		return errCommandFailed
	}

	switch data := result.Data.(type) {
	case nil:
		fmt.Fprintf(out, "ok (%dms)\n", result.DurationMs)
	case string:
		fmt.Fprintln(out, data)
	default:
		return printJSON(out, data)
	}
	return nil
}

func formatArgs(args []any) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += " "
		}
		if str, ok := a.(string); ok {
			s += str
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			s += fmt.Sprint(a)
			continue
		}
		s += string(b)
	}
	return s
}

func NewRunCommand() *cobra.Command {
	var (
		flags          pageCommandFlags
		scriptTimeout  time.Duration
		captureConsole bool
	)

	cmd := &cobra.Command{
		Use:   "run <session> <code|@file|->",
		Short: "Evaluate JavaScript in a page",
		Long:  `Run a script in the page identified by session id or codename and print its return value.`,
		Example: `  sweetlink run calm-heron 'document.title'
  sweetlink run calm-heron @scripts/check.js --capture-console
  echo 'return 1 + 1' | sweetlink run calm-heron -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			c := &protocol.RunScript{
				Code:           code,
				TimeoutMs:      int(scriptTimeout.Milliseconds()),
				CaptureConsole: captureConsole,
			}
			_, err = sendCommand(cmd, args[0], c, flags)
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&scriptTimeout, "script-timeout", 0, "Time limit for the script inside the page")
	cmd.Flags().BoolVar(&captureConsole, "capture-console", false, "Return console output produced while the script ran")
	return cmd
}

func NewDomCommand() *cobra.Command {
	var (
		flags      pageCommandFlags
		selector   string
		shadowRoot bool
	)

	cmd := &cobra.Command{
		Use:     "dom <session>",
		Short:   "Print the page's HTML",
		Example: `  sweetlink dom calm-heron --selector main`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendCommand(cmd, args[0], &protocol.GetDom{Selector: selector, IncludeShadowDom: shadowRoot}, flags)
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&selector, "selector", "s", "", "Only print the first element matching this selector")
	cmd.Flags().BoolVar(&shadowRoot, "include-shadow-dom", false, "Include open shadow roots")
	return cmd
}

func NewNavigateCommand() *cobra.Command {
	var flags pageCommandFlags

	cmd := &cobra.Command{
		Use:     "navigate <session> <url>",
		Short:   "Point a page at a new URL",
		Example: `  sweetlink navigate calm-heron http://localhost:3000/settings`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendCommand(cmd, args[0], &protocol.Navigate{URL: args[1]}, flags)
			return err
		},
	}

	flags.register(cmd)
	return cmd
}

func NewPingCommand() *cobra.Command {
	var flags pageCommandFlags

	cmd := &cobra.Command{
		Use:     "ping <session>",
		Short:   "Check that a page answers commands",
		Example: `  sweetlink ping calm-heron`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendCommand(cmd, args[0], &protocol.Ping{}, flags)
			return err
		},
	}

	flags.register(cmd)
	return cmd
}

func NewDiscoverCommand() *cobra.Command {
	var (
		flags         pageCommandFlags
		scope         string
		limit         int
		includeHidden bool
	)

	cmd := &cobra.Command{
		Use:     "selectors <session>",
		Short:   "Suggest stable selectors for interactive elements",
		Example: `  sweetlink selectors calm-heron --scope form --limit 20`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &protocol.DiscoverSelectors{ScopeSelector: scope, Limit: limit, IncludeHidden: includeHidden}
			_, err := sendCommand(cmd, args[0], c, flags)
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&scope, "scope", "", "Only search inside this selector")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of candidates")
	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "Include elements that are not visible")
	return cmd
}
