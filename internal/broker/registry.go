// Package broker implements the SweetLink daemon: the session registry that
// pages register with, and the HTTP/WebSocket server operators talk to.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweetlink/sweetlink/internal/codename"
	"github.com/sweetlink/sweetlink/internal/console"
	"github.com/sweetlink/sweetlink/internal/protocol"
	"github.com/sweetlink/sweetlink/internal/token"
)

var (
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrCommandTimeout     = errors.New("command timed out")
	ErrSessionMismatch    = errors.New("token was issued for a different session")
	ErrDuplicateCommand   = errors.New("command id already pending")
	ErrMissingSessionID   = errors.New("registration is missing a session id")
)

// ReasonReplaced is sent to a connection superseded by a newer registration.
const ReasonReplaced = "replaced"

// Conn is one page connection as the registry sees it.
type Conn interface {
	Send(v any) error
	Close(code int, reason string) error
	State() protocol.SocketState
}

type outcome struct {
	result protocol.CommandResult
	err    error
}

type waiter struct {
	ch   chan outcome
	conn Conn
}

// Session is the broker-side record of one page. All fields are guarded by mu.
type Session struct {
	mu sync.Mutex

	id             string
	conn           Conn
	codename       string
	url            string
	title          string
	topOrigin      string
	userAgent      string
	createdAt      time.Time
	lastSeenAt     time.Time
	disconnectedAt time.Time
	console        *console.Buffer
	pending        map[string]*waiter
}

func (s *Session) ID() string { return s.id }

// failPendingLocked resolves every waiter bound to conn (all waiters when conn
// is nil) with err.
func (s *Session) failPendingLocked(conn Conn, err error) int {
	n := 0
	for id, w := range s.pending {
		if conn != nil && w.conn != conn {
			continue
		}
		delete(s.pending, id)
		w.ch <- outcome{err: err}
		n++
	}
	return n
}

func (s *Session) summaryLocked(now time.Time, tolerance time.Duration) protocol.SessionSummary {
	stats := s.console.Stats()
	state := protocol.SocketClosed
	if s.conn != nil {
		state = s.conn.State()
	}
	ago := now.Sub(s.lastSeenAt)
	if ago < 0 {
		ago = 0
	}
	sum := protocol.SessionSummary{
		SessionID:             s.id,
		Codename:              s.codename,
		URL:                   s.url,
		Title:                 s.title,
		TopOrigin:             s.topOrigin,
		UserAgent:             s.userAgent,
		CreatedAt:             s.createdAt.UnixMilli(),
		LastSeenAt:            s.lastSeenAt.UnixMilli(),
		HeartbeatMsAgo:        ago.Milliseconds(),
		ConsoleEventsBuffered: stats.Buffered,
		ConsoleErrorsBuffered: stats.Errors,
		PendingCommandCount:   len(s.pending),
		SocketState:           state,
		Stale:                 ago > tolerance,
	}
	if stats.LastEventAt > 0 {
		at := stats.LastEventAt
		sum.LastConsoleEventAt = &at
	}
	return sum
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Secret verifies session tokens presented at registration.
	Secret string
	// Codenames assigns sticky names; nil generates names without persisting.
	Codenames *codename.Cache
	// HeartbeatTolerance marks sessions stale in summaries.
	HeartbeatTolerance time.Duration
	// Grace is how long a disconnected session is kept for a reconnect.
	Grace   time.Duration
	Metrics *Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Registry tracks every known session. The map is guarded by mu; each
// session's state by its own mutex, so sessions never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	secret    string
	codenames *codename.Cache
	tolerance time.Duration
	grace     time.Duration
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Codenames == nil {
		opts.Codenames = codename.NewCache(nil, opts.Logger)
	}
	if opts.HeartbeatTolerance <= 0 {
		opts.HeartbeatTolerance = protocol.HeartbeatToleranceMs * time.Millisecond
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		secret:    opts.Secret,
		codenames: opts.Codenames,
		tolerance: opts.HeartbeatTolerance,
		grace:     opts.Grace,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

func (r *Registry) lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Admit verifies a registration and binds conn to its session. A session
// already bound to another connection is taken over; the old connection is
// told it was replaced and closed, and its pending commands fail.
func (r *Registry) Admit(ctx context.Context, conn Conn, reg protocol.RegisterMessage) (*Session, error) {
	now := r.now()
	payload, err := token.VerifyAt(r.secret, reg.Token, token.ScopeSession, now)
	if err != nil {
		r.metrics.registrations.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if reg.SessionID == "" {
		r.metrics.registrations.WithLabelValues("rejected").Inc()
		return nil, ErrMissingSessionID
	}
	if payload.SessionID != "" && payload.SessionID != reg.SessionID {
		r.metrics.registrations.WithLabelValues("rejected").Inc()
		return nil, ErrSessionMismatch
	}

	// Lookup and install happen under r.mu so Prune never sees the session
	// between the two. Lock order is r.mu then s.mu, as in Prune.
	r.mu.Lock()
	s, ok := r.sessions[reg.SessionID]
	if !ok {
		s = &Session{
			id:        reg.SessionID,
			createdAt: now,
			console:   console.NewBuffer(console.DefaultCapacity),
			pending:   make(map[string]*waiter),
		}
		r.sessions[reg.SessionID] = s
	}
	s.mu.Lock()
	old := s.conn
	if old == conn {
		old = nil
	}
	failed := 0
	if old != nil {
		failed = s.failPendingLocked(old, fmt.Errorf("%w: %s", ErrSessionUnavailable, ReasonReplaced))
	}
	s.conn = conn
	s.url = reg.URL
	s.title = reg.Title
	s.topOrigin = reg.TopOrigin
	s.userAgent = reg.UserAgent
	s.lastSeenAt = now
	s.disconnectedAt = time.Time{}
	s.mu.Unlock()
	r.mu.Unlock()

	if old != nil {
		r.metrics.registrations.WithLabelValues("replaced").Inc()
		r.logger.Info().Str("session", reg.SessionID).Int("failed", failed).Msg("Session connection replaced")
		_ = old.Send(protocol.DisconnectMessage{Kind: protocol.KindDisconnect, Reason: ReasonReplaced})
		_ = old.Close(closeNormal, ReasonReplaced)
	} else {
		r.metrics.registrations.WithLabelValues("admitted").Inc()
	}

	name, err := r.codenames.Assign(ctx, reg.SessionID, "")
	if err != nil {
		r.logger.Warn().Err(err).Str("session", reg.SessionID).Msg("Failed to persist codename")
	}
	s.mu.Lock()
	s.codename = name
	s.mu.Unlock()

	if err := conn.Send(protocol.MetadataMessage{
		Kind:      protocol.KindMetadata,
		SessionID: reg.SessionID,
		Codename:  name,
	}); err != nil {
		r.logger.Debug().Err(err).Str("session", reg.SessionID).Msg("Failed to send metadata")
	}

	r.logger.Info().Str("session", reg.SessionID).Str("codename", name).Str("url", reg.URL).Msg("Session registered")
	return s, nil
}

// Heartbeat records liveness. Unknown sessions are ignored.
func (r *Registry) Heartbeat(sessionID string) {
	s := r.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.lastSeenAt = r.now()
	s.mu.Unlock()
}

// Dispatch sends cmd to the session's page and waits for the matching result.
// The pending entry is removed however the call ends.
func (r *Registry) Dispatch(ctx context.Context, sessionID string, cmd protocol.Command, timeout time.Duration) (protocol.CommandResult, error) {
	id := protocol.EnsureID(cmd)
	kind := string(cmd.Type())
	start := r.now()

	s := r.lookup(sessionID)
	if s == nil {
		r.metrics.observeCommand(kind, "unavailable", 0)
		return protocol.CommandResult{}, fmt.Errorf("%w: %s", ErrSessionUnavailable, sessionID)
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil || conn.State() != protocol.SocketOpen {
		s.mu.Unlock()
		r.metrics.observeCommand(kind, "unavailable", 0)
		return protocol.CommandResult{}, fmt.Errorf("%w: %s is not connected", ErrSessionUnavailable, sessionID)
	}
	if _, dup := s.pending[id]; dup {
		s.mu.Unlock()
		return protocol.CommandResult{}, fmt.Errorf("%w: %s", ErrDuplicateCommand, id)
	}
	w := &waiter{ch: make(chan outcome, 1), conn: conn}
	s.pending[id] = w
	s.mu.Unlock()
	r.metrics.pending.Inc()

	defer func() {
		s.mu.Lock()
		if s.pending[id] == w {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		r.metrics.pending.Dec()
	}()

	msg := protocol.CommandMessage{Kind: protocol.KindCommand, SessionID: sessionID, Command: cmd}
	if err := conn.Send(msg); err != nil {
		r.metrics.observeCommand(kind, "unavailable", 0)
		return protocol.CommandResult{}, fmt.Errorf("%w: send: %v", ErrSessionUnavailable, err)
	}
	r.logger.Debug().Str("session", sessionID).Str("command", id).Str("type", kind).Msg("Command dispatched")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		d := r.now().Sub(start)
		if out.err != nil {
			r.metrics.observeCommand(kind, "unavailable", d)
			return protocol.CommandResult{}, out.err
		}
		label := "ok"
		if !out.result.OK {
			label = "error"
		}
		r.metrics.observeCommand(kind, label, d)
		return out.result, nil
	case <-timer.C:
		r.metrics.observeCommand(kind, "timeout", timeout)
		r.logger.Warn().Str("session", sessionID).Str("command", id).Dur("timeout", timeout).Msg("Command timed out")
		return protocol.CommandResult{}, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
	case <-ctx.Done():
		r.metrics.observeCommand(kind, "canceled", r.now().Sub(start))
		return protocol.CommandResult{}, ctx.Err()
	}
}

// ResolveResult delivers a result to its waiter. Results arriving on a
// connection other than the session's current one are dropped along with
// any console events they carry.
func (r *Registry) ResolveResult(sessionID string, conn Conn, result protocol.CommandResult) bool {
	s := r.lookup(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}

	s.lastSeenAt = r.now()
	if len(result.Console) > 0 {
		s.console.Append(result.Console...)
		r.metrics.consoleEvents.Add(float64(len(result.Console)))
	}
	w, ok := s.pending[result.CommandID]
	if !ok || w.conn != conn {
		return false
	}
	delete(s.pending, result.CommandID)
	w.ch <- outcome{result: result}
	return true
}

// AppendConsole buffers events reported by a page.
func (r *Registry) AppendConsole(sessionID string, events []protocol.ConsoleEvent) {
	s := r.lookup(sessionID)
	if s == nil || len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.lastSeenAt = r.now()
	s.mu.Unlock()
	s.console.Append(events...)
	r.metrics.consoleEvents.Add(float64(len(events)))
}

// Disconnect unbinds conn from its session if it is still the current one.
// Waiters on it fail immediately; the session itself is kept for the grace
// window.
func (r *Registry) Disconnect(sessionID string, conn Conn, reason string) {
	s := r.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.conn = nil
	s.disconnectedAt = r.now()
	n := s.failPendingLocked(nil, fmt.Errorf("%w: %s", ErrSessionUnavailable, reason))
	r.logger.Info().Str("session", sessionID).Str("reason", reason).Int("failed", n).Msg("Session disconnected")
}

// Summaries lists every session, oldest first.
func (r *Registry) Summaries() []protocol.SessionSummary {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]protocol.SessionSummary, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, s.summaryLocked(now, r.tolerance))
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Summary returns one session's projection.
func (r *Registry) Summary(sessionID string) (protocol.SessionSummary, bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return protocol.SessionSummary{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked(r.now(), r.tolerance), true
}

// ConsoleEvents returns the session's buffered console events without
// draining them.
func (r *Registry) ConsoleEvents(sessionID string) ([]protocol.ConsoleEvent, error) {
	s := r.lookup(sessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionUnavailable, sessionID)
	}
	return s.console.Snapshot(), nil
}

// Prune removes sessions that have been disconnected for longer than the
// grace window and returns their ids. Connected sessions are never removed,
// however stale.
func (r *Registry) Prune() []string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.conn == nil && !s.disconnectedAt.IsZero() && now.Sub(s.disconnectedAt) > r.grace
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.metrics.pruned.Add(float64(len(removed)))
		r.logger.Info().Strs("sessions", removed).Msg("Pruned disconnected sessions")
	}
	return removed
}

// refreshGauges recomputes the session gauges.
func (r *Registry) refreshGauges() {
	open, stale := 0, 0
	for _, s := range r.Summaries() {
		if s.SocketState == protocol.SocketOpen {
			open++
		}
		if s.Stale {
			stale++
		}
	}
	r.metrics.sessionsOpen.Set(float64(open))
	r.metrics.sessionsStale.Set(float64(stale))
}

// Close fails all pending commands and closes every connection.
func (r *Registry) Close(reason string) {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	for _, s := range list {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.disconnectedAt = r.now()
		s.failPendingLocked(nil, fmt.Errorf("%w: %s", ErrSessionUnavailable, reason))
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Send(protocol.DisconnectMessage{Kind: protocol.KindDisconnect, Reason: reason})
			_ = conn.Close(closeGoingAway, reason)
		}
	}
}
