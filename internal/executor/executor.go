// Package executor runs page commands through per-variant handlers and
// turns every outcome into a CommandResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

var (
	// ErrUnknownCommand is reported for a nil or unrecognized command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnsupported is reported when no handler is installed for a variant.
	ErrUnsupported = errors.New("command not supported by this page")
	// ErrTimeout is reported when a command outlives its own timeoutMs.
	ErrTimeout = errors.New("command timed out")
)

// Handlers maps each command variant to its implementation. A nil field
// means the variant is unsupported.
type Handlers struct {
	RunScript         func(ctx context.Context, cmd *protocol.RunScript) (any, error)
	GetDom            func(ctx context.Context, cmd *protocol.GetDom) (any, error)
	Navigate          func(ctx context.Context, cmd *protocol.Navigate) (any, error)
	Ping              func(ctx context.Context, cmd *protocol.Ping) (any, error)
	Screenshot        func(ctx context.Context, cmd *protocol.Screenshot) (any, error)
	DiscoverSelectors func(ctx context.Context, cmd *protocol.DiscoverSelectors) (any, error)
}

// Output lets a handler attach console events to its result.
type Output struct {
	Data    any
	Console []protocol.ConsoleEvent
}

// Options configures an Executor.
type Options struct {
	Handlers Handlers
	Logger   zerolog.Logger
	// Now is injectable for tests.
	Now func() time.Time
}

// Executor is safe for concurrent use.
type Executor struct {
	handlers Handlers
	logger   zerolog.Logger
	now      func() time.Time
}

func New(opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Handlers.Ping == nil {
		opts.Handlers.Ping = pong(opts.Now)
	}
	return &Executor{handlers: opts.Handlers, logger: opts.Logger, now: opts.Now}
}

func pong(now func() time.Time) func(context.Context, *protocol.Ping) (any, error) {
	return func(context.Context, *protocol.Ping) (any, error) {
		return map[string]any{"pong": true, "at": now().UnixMilli()}, nil
	}
}

// Execute runs cmd and never panics. Handler errors, panics, validation
// failures and timeouts all become ok:false results.
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) protocol.CommandResult {
	start := e.now()
	commandID := ""
	if cmd != nil {
		commandID = cmd.CommandID()
	}

	out, err := e.run(ctx, cmd)

	res := protocol.CommandResult{
		OK:         err == nil,
		CommandID:  commandID,
		DurationMs: e.now().Sub(start).Milliseconds(),
	}
	if o, ok := out.(Output); ok {
		res.Data = o.Data
		res.Console = o.Console
	} else {
		res.Data = out
	}
	if err != nil {
		res.Data = nil
		res.Error = err.Error()
		var st interface{ Stack() string }
		if errors.As(err, &st) {
			res.Stack = st.Stack()
		}
		e.logger.Debug().Str("command", commandID).Err(err).Msg("command failed")
	}
	return res
}

type outcome struct {
	out any
	err error
}

func (e *Executor) run(ctx context.Context, cmd protocol.Command) (any, error) {
	if cmd == nil {
		return nil, ErrUnknownCommand
	}
	if err := protocol.ValidateCommand(cmd); err != nil {
		return nil, err
	}

	if timeout := cmd.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r, stack: string(debug.Stack())}}
			}
		}()
		out, err := e.dispatch(ctx, cmd)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %dms", ErrTimeout, cmd.Timeout().Milliseconds())
		}
		return nil, ctx.Err()
	}
}

// dispatch matches every variant explicitly.
func (e *Executor) dispatch(ctx context.Context, cmd protocol.Command) (any, error) {
	h := e.handlers
	switch c := cmd.(type) {
	case *protocol.RunScript:
		if h.RunScript == nil {
			break
		}
		return h.RunScript(ctx, c)
	case *protocol.GetDom:
		if h.GetDom == nil {
			break
		}
		return h.GetDom(ctx, c)
	case *protocol.Navigate:
		if h.Navigate == nil {
			break
		}
		return h.Navigate(ctx, c)
	case *protocol.Ping:
		if h.Ping == nil {
			break
		}
		return h.Ping(ctx, c)
	case *protocol.Screenshot:
		if h.Screenshot == nil {
			break
		}
		return h.Screenshot(ctx, c)
	case *protocol.DiscoverSelectors:
		if h.DiscoverSelectors == nil {
			break
		}
		return h.DiscoverSelectors(ctx, c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, cmd.Type())
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }
func (p *panicError) Stack() string { return p.stack }
