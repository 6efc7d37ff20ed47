package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

// ClickScript returns a script that finds selector, optionally scrolls it
// into view, dispatches a bubbling MouseEvent and then calls click(). It
// throws when nothing matches.
func ClickScript(selector string, scroll bool) string {
	quoted, _ := json.Marshal(selector)
	scrollStmt := ""
	if scroll {
		scrollStmt = "el.scrollIntoView({ block: 'center', inline: 'center' });\n"
	}
	return fmt.Sprintf(`const el = document.querySelector(%s);
if (!el) { throw new Error('No element matches ' + %s); }
%sel.dispatchEvent(new MouseEvent('click', { bubbles: true, cancelable: true, view: window }));
if (typeof el.click === 'function') { el.click(); }
return { clicked: true, tag: el.tagName.toLowerCase(), text: (el.innerText || el.textContent || '').trim().slice(0, 120) };`,
		quoted, quoted, scrollStmt)
}

func NewClickCommand() *cobra.Command {
	var (
		flags    pageCommandFlags
		noScroll bool
	)

	cmd := &cobra.Command{
		Use:   "click <session> <selector>",
		Short: "Click the first element matching a CSS selector",
		Example: `  sweetlink click calm-heron 'button[type=submit]'
  sweetlink click calm-heron '#menu' --no-scroll`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &protocol.RunScript{Code: ClickScript(args[1], !noScroll)}
			_, err := sendCommand(cmd, args[0], c, flags)
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&noScroll, "no-scroll", false, "Do not scroll the element into view first")
	return cmd
}
