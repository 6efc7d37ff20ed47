package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetlink/sweetlink/internal/codename"
	"github.com/sweetlink/sweetlink/internal/protocol"
	"github.com/sweetlink/sweetlink/internal/token"
)

const testSecret = "test-secret-0123456789-0123456789-abcdef"

type fakeConn struct {
	mu          sync.Mutex
	sent        []any
	state       protocol.SocketState
	closeCode   int
	closeReason string
	onSend      func(v any)
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: protocol.SocketOpen}
}

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	if f.state != protocol.SocketOpen {
		f.mu.Unlock()
		return errors.New("closed")
	}
	f.sent = append(f.sent, v)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(v)
	}
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == protocol.SocketClosed {
		return nil
	}
	f.state = protocol.SocketClosed
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeConn) State() protocol.SocketState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) commands() []protocol.CommandMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.CommandMessage
	for _, v := range f.sent {
		if m, ok := v.(protocol.CommandMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) disconnects() []protocol.DisconnectMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.DisconnectMessage
	for _, v := range f.sent {
		if m, ok := v.(protocol.DisconnectMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(RegistryOptions{
		Secret:             testSecret,
		Codenames:          codename.NewCache(nil, zerolog.Nop()),
		HeartbeatTolerance: 45 * time.Second,
		Grace:              time.Minute,
		Logger:             zerolog.Nop(),
		Now:                clk.Now,
	})
	return r, clk
}

func sessionToken(t *testing.T, sessionID string, now time.Time) string {
	t.Helper()
	tok, err := token.SignAt(token.SignOptions{
		Secret:    testSecret,
		Scope:     token.ScopeSession,
		Subject:   "test",
		TTL:       token.SessionTTL,
		SessionID: sessionID,
	}, now)
	require.NoError(t, err)
	return tok
}

func register(t *testing.T, r *Registry, clk *fakeClock, conn Conn, sessionID string) *Session {
	t.Helper()
	s, err := r.Admit(context.Background(), conn, protocol.RegisterMessage{
		Kind:      protocol.KindRegister,
		Token:     sessionToken(t, sessionID, clk.Now()),
		SessionID: sessionID,
		URL:       "http://localhost:3000/",
		Title:     "Demo",
		UserAgent: "test-agent",
		TopOrigin: "http://localhost:3000",
	})
	require.NoError(t, err)
	return s
}

func TestAdmitSendsCodename(t *testing.T) {
	r, clk := newTestRegistry(t)
	conn := newFakeConn()
	id := uuid.NewString()

	register(t, r, clk, conn, id)

	conn.mu.Lock()
	require.NotEmpty(t, conn.sent)
	meta, ok := conn.sent[len(conn.sent)-1].(protocol.MetadataMessage)
	conn.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, protocol.KindMetadata, meta.Kind)
	assert.Equal(t, codename.Generate(id), meta.Codename)

	sum, ok := r.Summary(id)
	require.True(t, ok)
	assert.Equal(t, meta.Codename, sum.Codename)
	assert.Equal(t, "Demo", sum.Title)
	assert.Equal(t, protocol.SocketOpen, sum.SocketState)
}

func TestAdmitRejectsBadTokens(t *testing.T) {
	r, clk := newTestRegistry(t)
	id := uuid.NewString()

	cliTok, err := token.SignAt(token.SignOptions{Secret: testSecret, Scope: token.ScopeCLI, Subject: "cli", TTL: token.CLITTL}, clk.Now())
	require.NoError(t, err)
	otherSecret, err := token.SignAt(token.SignOptions{Secret: "another-secret-another-secret-another", Scope: token.ScopeSession, TTL: token.SessionTTL, SessionID: id}, clk.Now())
	require.NoError(t, err)
	expired, err := token.SignAt(token.SignOptions{Secret: testSecret, Scope: token.ScopeSession, TTL: token.SessionTTL, SessionID: id}, clk.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		id    string
		want  error
	}{
		{"malformed", "nope", id, token.ErrMalformedToken},
		{"scope", cliTok, id, token.ErrScopeMismatch},
		{"signature", otherSecret, id, token.ErrInvalidSignature},
		{"expired", expired, id, token.ErrExpired},
		{"other session", sessionToken(t, uuid.NewString(), clk.Now()), id, ErrSessionMismatch},
		{"missing id", sessionToken(t, "", clk.Now()), "", ErrMissingSessionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Admit(context.Background(), newFakeConn(), protocol.RegisterMessage{
				Kind:      protocol.KindRegister,
				Token:     tt.token,
				SessionID: tt.id,
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, r.Summaries())
}

func TestDispatchRoundTrip(t *testing.T) {
	r, clk := newTestRegistry(t)
	conn := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, conn, id)

	conn.onSend = func(v any) {
		msg, ok := v.(protocol.CommandMessage)
		if !ok {
			return
		}
		go r.ResolveResult(id, conn, protocol.CommandResult{
			OK:        true,
			CommandID: msg.Command.CommandID(),
			Data:      "pong",
			Console: []protocol.ConsoleEvent{
				{ID: "log-1", Timestamp: 1, Level: protocol.LevelLog, Args: []any{"hi"}},
			},
		})
	}

	result, err := r.Dispatch(context.Background(), id, &protocol.Ping{}, time.Second)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "pong", result.Data)
	assert.NotEmpty(t, result.CommandID)

	events, err := r.ConsoleEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "log-1", events[0].ID)

	sum, _ := r.Summary(id)
	assert.Zero(t, sum.PendingCommandCount)
}

func TestDispatchTimeoutRemovesWaiter(t *testing.T) {
	r, clk := newTestRegistry(t)
	conn := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, conn, id)

	cmd := &protocol.Ping{ID: "cmd-1"}
	start := time.Now()
	_, err := r.Dispatch(context.Background(), id, cmd, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	sum, _ := r.Summary(id)
	assert.Zero(t, sum.PendingCommandCount)

	// A late result has nobody to go to.
	assert.False(t, r.ResolveResult(id, conn, protocol.CommandResult{OK: true, CommandID: "cmd-1"}))
}

func TestDispatchUnavailable(t *testing.T) {
	r, clk := newTestRegistry(t)

	_, err := r.Dispatch(context.Background(), "missing", &protocol.Ping{}, time.Second)
	assert.ErrorIs(t, err, ErrSessionUnavailable)

	conn := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, conn, id)
	r.Disconnect(id, conn, "socket closed")

	_, err = r.Dispatch(context.Background(), id, &protocol.Ping{}, time.Second)
	assert.ErrorIs(t, err, ErrSessionUnavailable)
}

func TestReplacementRoutesToNewConnection(t *testing.T) {
	r, clk := newTestRegistry(t)
	first := newFakeConn()
	second := newFakeConn()
	id := uuid.NewString()

	register(t, r, clk, first, id)
	name, _ := r.Summary(id)
	register(t, r, clk, second, id)

	assert.Equal(t, protocol.SocketClosed, first.State())
	assert.Equal(t, ReasonReplaced, first.closeReason)
	require.Len(t, first.disconnects(), 1)
	assert.Equal(t, ReasonReplaced, first.disconnects()[0].Reason)

	second.onSend = func(v any) {
		if msg, ok := v.(protocol.CommandMessage); ok {
			go r.ResolveResult(id, second, protocol.CommandResult{OK: true, CommandID: msg.Command.CommandID()})
		}
	}
	_, err := r.Dispatch(context.Background(), id, &protocol.Ping{}, time.Second)
	require.NoError(t, err)

	assert.Empty(t, first.commands())
	assert.Len(t, second.commands(), 1)

	after, _ := r.Summary(id)
	assert.Equal(t, name.Codename, after.Codename)
	assert.Len(t, r.Summaries(), 1)
}

func TestReplacementFailsWaitersOnOldConnection(t *testing.T) {
	r, clk := newTestRegistry(t)
	first := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, first, id)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), id, &protocol.Ping{ID: "old"}, 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		sum, _ := r.Summary(id)
		return sum.PendingCommandCount == 1
	}, time.Second, 5*time.Millisecond)

	second := newFakeConn()
	register(t, r, clk, second, id)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionUnavailable)
		assert.Contains(t, err.Error(), ReasonReplaced)
	case <-time.After(time.Second):
		t.Fatal("waiter on replaced connection was not failed")
	}

	// The old connection cannot deliver a result any more.
	assert.False(t, r.ResolveResult(id, first, protocol.CommandResult{OK: true, CommandID: "old"}))
}

func TestDisconnectOfReplacedConnectionIsIgnored(t *testing.T) {
	r, clk := newTestRegistry(t)
	first := newFakeConn()
	second := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, first, id)
	register(t, r, clk, second, id)

	r.Disconnect(id, first, "socket closed")

	sum, _ := r.Summary(id)
	assert.Equal(t, protocol.SocketOpen, sum.SocketState)
}

func TestSummariesReportStaleness(t *testing.T) {
	r, clk := newTestRegistry(t)
	id := uuid.NewString()
	register(t, r, clk, newFakeConn(), id)

	clk.Advance(10 * time.Second)
	sum, _ := r.Summary(id)
	assert.Equal(t, int64(10_000), sum.HeartbeatMsAgo)
	assert.False(t, sum.Stale)

	r.Heartbeat(id)
	sum, _ = r.Summary(id)
	assert.Zero(t, sum.HeartbeatMsAgo)

	clk.Advance(46 * time.Second)
	sums := r.Summaries()
	require.Len(t, sums, 1)
	assert.True(t, sums[0].Stale)

	// Staleness alone never removes a session.
	assert.Empty(t, r.Prune())
	assert.Len(t, r.Summaries(), 1)
}

func TestPruneAfterGrace(t *testing.T) {
	r, clk := newTestRegistry(t)
	conn := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, conn, id)

	r.Disconnect(id, conn, "socket closed")
	sum, _ := r.Summary(id)
	assert.Equal(t, protocol.SocketClosed, sum.SocketState)

	clk.Advance(30 * time.Second)
	assert.Empty(t, r.Prune())

	clk.Advance(31 * time.Second)
	assert.Equal(t, []string{id}, r.Prune())
	_, ok := r.Summary(id)
	assert.False(t, ok)
}

func TestReconnectWithinGraceKeepsSession(t *testing.T) {
	r, clk := newTestRegistry(t)
	first := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, first, id)
	created, _ := r.Summary(id)

	r.Disconnect(id, first, "socket closed")
	clk.Advance(20 * time.Second)
	register(t, r, clk, newFakeConn(), id)
	clk.Advance(50 * time.Second)

	assert.Empty(t, r.Prune())
	sum, ok := r.Summary(id)
	require.True(t, ok)
	assert.Equal(t, created.CreatedAt, sum.CreatedAt)
	assert.Equal(t, protocol.SocketOpen, sum.SocketState)
}

func TestConsoleBufferIsBounded(t *testing.T) {
	r, clk := newTestRegistry(t)
	id := uuid.NewString()
	register(t, r, clk, newFakeConn(), id)

	for i := 0; i < 1000; i++ {
		level := protocol.LevelLog
		if i%2 == 0 {
			level = protocol.LevelError
		}
		r.AppendConsole(id, []protocol.ConsoleEvent{{ID: uuid.NewString(), Timestamp: int64(i), Level: level}})
	}

	events, err := r.ConsoleEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 200)
	assert.Equal(t, int64(800), events[0].Timestamp)
	assert.Equal(t, int64(999), events[199].Timestamp)

	sum, _ := r.Summary(id)
	assert.Equal(t, 200, sum.ConsoleEventsBuffered)
	assert.Equal(t, 100, sum.ConsoleErrorsBuffered)
	require.NotNil(t, sum.LastConsoleEventAt)
	assert.Equal(t, int64(999), *sum.LastConsoleEventAt)
}

func TestCloseFailsPending(t *testing.T) {
	r, clk := newTestRegistry(t)
	conn := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, conn, id)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), id, &protocol.Ping{}, 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		sum, _ := r.Summary(id)
		return sum.PendingCommandCount == 1
	}, time.Second, 5*time.Millisecond)

	r.Close("shutdown")
	assert.ErrorIs(t, <-errCh, ErrSessionUnavailable)
	assert.Equal(t, protocol.SocketClosed, conn.State())
}

func TestAdmitRacingPruneKeepsSessionReachable(t *testing.T) {
	for i := 0; i < 200; i++ {
		r, clk := newTestRegistry(t)
		id := uuid.NewString()
		first := newFakeConn()
		register(t, r, clk, first, id)
		r.Disconnect(id, first, "socket closed")
		clk.Advance(2 * time.Minute)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r.Prune()
		}()

		second := newFakeConn()
		close(start)
		s := register(t, r, clk, second, id)
		wg.Wait()

		require.Same(t, s, r.lookup(id), "iteration %d", i)
		sum, ok := r.Summary(id)
		require.True(t, ok)
		assert.Equal(t, protocol.SocketOpen, sum.SocketState)
	}
}

func TestResultFromReplacedConnectionKeepsConsoleClean(t *testing.T) {
	r, clk := newTestRegistry(t)
	first := newFakeConn()
	id := uuid.NewString()
	register(t, r, clk, first, id)
	register(t, r, clk, newFakeConn(), id)

	late := protocol.CommandResult{
		OK:        true,
		CommandID: "late",
		Console:   []protocol.ConsoleEvent{{ID: "e1", Level: protocol.LevelLog, Args: []any{"stale"}}},
	}
	assert.False(t, r.ResolveResult(id, first, late))

	events, err := r.ConsoleEvents(id)
	require.NoError(t, err)
	assert.Empty(t, events)
}
