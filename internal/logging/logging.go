// Package logging builds the zerolog loggers used across SweetLink.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Options controls logger construction.
type Options struct {
	// Level is a zerolog level name. Empty means info.
	Level string
	// Pretty forces the human-readable console writer. When nil, the console
	// writer is used only if stderr is a terminal.
	Pretty *bool
	// Output defaults to stderr.
	Output io.Writer
}

// New returns a logger tagged with the given component name.
func New(component string, opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	if usePretty(opts, out) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel maps a level name to a zerolog level, falling back to info.
func ParseLevel(name string) zerolog.Level {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func usePretty(opts Options, out io.Writer) bool {
	if opts.Pretty != nil {
		return *opts.Pretty
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Bool is a small helper for populating Options.Pretty from config values.
func Bool(v bool) *bool { return &v }
