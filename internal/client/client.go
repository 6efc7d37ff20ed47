// Package client implements the page side of a SweetLink session: it holds
// the connection to the broker, keeps it alive, reconnects after drops and
// runs the commands the broker sends.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweetlink/sweetlink/internal/console"
	"github.com/sweetlink/sweetlink/internal/protocol"
)

var (
	ErrAuthenticationRequired = errors.New("unauthorized: authentication required")
	ErrTransport              = errors.New("transport error")
	ErrNoSession              = errors.New("no active session")
	ErrHandshakeNotConfigured = errors.New("auto-reconnect handshake is not configured")
	ErrSuperseded             = errors.New("session was replaced while connecting")
)

const (
	DefaultHeartbeatInterval    = protocol.DefaultHeartbeatIntervalMs * time.Millisecond
	DefaultReconnectBaseDelay   = 1500 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
	MaxReconnectDelay           = 15 * time.Second
	DefaultFlushDelay           = 500 * time.Millisecond

	reconnectLogInterval = 5 * time.Second
)

// ReconnectDelay is the backoff before reconnect attempt number attempt
// (zero based).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxReconnectDelay {
			return MaxReconnectDelay
		}
	}
	if d > MaxReconnectDelay {
		return MaxReconnectDelay
	}
	return d
}

// Executor runs one command and always produces a result.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) protocol.CommandResult
}

// PageInfo describes the hosting page for register messages.
type PageInfo struct {
	URL       string
	Title     string
	UserAgent string
	TopOrigin string
}

// HandshakeFunc obtains a fresh bootstrap from the broker.
type HandshakeFunc func(ctx context.Context) (Bootstrap, error)

// Timer is the part of *time.Timer the client uses.
type Timer interface {
	Stop() bool
}

// Options configures a Client. Dialer and Executor are required.
type Options struct {
	Dialer    Dialer
	Executor  Executor
	Page      func() PageInfo
	Store     SessionStore
	Handshake HandshakeFunc
	// Preload warms capability resources after a session starts. It runs in
	// the background; failures are only logged.
	Preload func(ctx context.Context) error
	// IsFresh decides whether a stored session is worth resuming.
	IsFresh func(b Bootstrap, now time.Time) bool

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	FlushDelay           time.Duration
	// DisableAutoReconnect starts the client with reconnects off.
	DisableAutoReconnect bool

	Observers []Observer
	Logger    zerolog.Logger
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// handle is one session's connection state. Only the Client touches it, and
// only under Client.mu.
type handle struct {
	bootstrap   Bootstrap
	socket      Socket
	open        bool
	heartbeat   Timer
	codename    string
	closeReason string
}

// Client is the connection state machine for one page. All transitions go
// through StartSession and Teardown.
type Client struct {
	opts   Options
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	handle            *handle
	status            Snapshot
	observers         map[int]Observer
	nextObserver      int
	outbox            []Snapshot
	reconnectTimer    Timer
	reconnectAttempts int
	autoReconnect     bool
	lastReconnectLog  time.Time
	buffer            *console.Buffer
	flushTimer        Timer
	closed            bool

	deliverMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, errors.New("client dialer is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("client executor is required")
	}
	if opts.Page == nil {
		opts.Page = func() PageInfo { return PageInfo{} }
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.IsFresh == nil {
		opts.IsFresh = DefaultIsFresh
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:          opts,
		logger:        opts.Logger.With().Str("component", "client").Logger(),
		ctx:           ctx,
		cancel:        cancel,
		observers:     make(map[int]Observer),
		autoReconnect: !opts.DisableAutoReconnect,
		buffer:        console.NewBuffer(console.DefaultCapacity),
	}
	c.status = Snapshot{Status: StatusIdle, At: opts.Now()}
	for _, o := range opts.Observers {
		c.observers[c.nextObserver] = o
		c.nextObserver++
	}
	return c, nil
}

// Subscribe registers an observer and returns a func that removes it.
func (c *Client) Subscribe(o Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = o
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Status returns the last announced snapshot.
func (c *Client) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the active session id, if any.
func (c *Client) SessionID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return "", false
	}
	return c.handle.bootstrap.SessionID, true
}

// AutoReconnectEnabled reports whether drops are still retried.
func (c *Client) AutoReconnectEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoReconnect
}

// StartSession installs b and connects. Starting the session that is already
// open is a no-op; any other active session is torn down first.
func (c *Client) StartSession(ctx context.Context, b Bootstrap) error {
	return c.startSession(ctx, b, false)
}

func (c *Client) startSession(ctx context.Context, b Bootstrap, resuming bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	if h := c.handle; h != nil && h.bootstrap.SessionID == b.SessionID && h.open {
		c.mu.Unlock()
		return nil
	}
	if c.handle != nil {
		c.teardownLocked("replaced", false)
	}
	if !resuming {
		c.stopReconnectLocked()
		c.reconnectAttempts = 0
		c.lastReconnectLog = time.Time{}
		c.autoReconnect = !c.opts.DisableAutoReconnect
	}
	if err := c.opts.Store.Save(b); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist session")
	}
	h := &handle{bootstrap: b, codename: strings.TrimSpace(b.Codename)}
	c.handle = h
	c.announceLocked(StatusConnecting, "")
	c.mu.Unlock()
	c.deliver()

	if c.opts.Preload != nil {
		go func() {
			if err := c.opts.Preload(c.ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to preload capabilities")
			}
		}()
	}

	return c.openSocket(ctx, h)
}

// openSocket dials, registers and starts the read loop for h.
func (c *Client) openSocket(ctx context.Context, h *handle) error {
	sock, err := c.opts.Dialer.Dial(ctx, h.bootstrap.SocketURL)
	if err != nil {
		c.transportFailed(h, err)
		return err
	}

	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrSuperseded
	}
	h.socket = sock
	c.mu.Unlock()

	page := c.opts.Page()
	reg := protocol.RegisterMessage{
		Kind:      protocol.KindRegister,
		Token:     h.bootstrap.SessionToken,
		SessionID: h.bootstrap.SessionID,
		URL:       page.URL,
		Title:     page.Title,
		UserAgent: page.UserAgent,
		TopOrigin: page.TopOrigin,
	}
	if err := sock.WriteJSON(reg); err != nil {
		err = fmt.Errorf("%w: register: %v", ErrTransport, err)
		c.transportFailed(h, err)
		return err
	}

	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrSuperseded
	}
	h.open = true
	c.reconnectAttempts = 0
	c.armHeartbeatLocked(h)
	c.announceLocked(StatusConnected, "")
	if c.buffer.Len() > 0 {
		c.scheduleFlushLocked()
	}
	c.mu.Unlock()
	c.deliver()

	go c.readLoop(h, sock)
	c.logger.Info().Str("session", h.bootstrap.SessionID).Msg("Session connected")
	return nil
}

// transportFailed reports a failed open: error first, then teardown. An auth
// failure stops all further reconnects.
func (c *Client) transportFailed(h *handle, err error) {
	auth := isAuthFailure(err, "")
	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		return
	}
	c.announceLocked(StatusError, err.Error())
	if auth {
		c.disableAutoReconnectLocked()
	}
	c.teardownLocked(err.Error(), !auth)
	c.mu.Unlock()
	c.deliver()
}

func (c *Client) readLoop(h *handle, sock Socket) {
	var readErr error
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.handleMessage(h, sock, data)
	}

	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		return
	}
	reason := h.closeReason
	if reason == "" {
		reason = describeClose(readErr)
	}
	auth := isAuthFailure(readErr, h.closeReason)
	if auth {
		c.disableAutoReconnectLocked()
		c.announceLocked(StatusError, reason)
	}
	c.logger.Warn().Str("session", h.bootstrap.SessionID).Str("reason", reason).Msg("Socket closed")
	c.teardownLocked(reason, !auth)
	c.mu.Unlock()
	c.deliver()
}

func (c *Client) handleMessage(h *handle, sock Socket, data []byte) {
	env, err := protocol.PeekEnvelope(data)
	if err != nil {
		if !errors.Is(err, protocol.ErrNotObject) {
			c.logger.Error().Err(err).Msg("Failed to parse server message")
		}
		return
	}

	switch env.Kind {
	case protocol.KindCommand:
		var msg protocol.CommandMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.rejectCommand(data, err)
			return
		}
		go c.runCommand(msg)
	case protocol.KindMetadata:
		var msg protocol.MetadataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error().Err(err).Msg("Malformed metadata message")
			return
		}
		c.applyMetadata(h, msg)
	default:
		reason := env.Reason
		if reason == "" {
			reason = "server requested disconnect"
		}
		c.logger.Warn().Str("kind", string(env.Kind)).Str("reason", reason).Msg("Server requested disconnect")
		c.mu.Lock()
		if c.handle == h && h.closeReason == "" {
			h.closeReason = reason
		}
		c.mu.Unlock()
		_ = sock.Close()
	}
}

func (c *Client) runCommand(msg protocol.CommandMessage) {
	result := c.opts.Executor.Execute(c.ctx, msg.Command)
	c.postResult(msg.SessionID, result)
}

// rejectCommand answers a command that could not be decoded, so the broker
// does not wait out its timeout.
func (c *Client) rejectCommand(data []byte, cause error) {
	var raw struct {
		SessionID string `json:"sessionId"`
		Command   struct {
			ID string `json:"id"`
		} `json:"command"`
	}
	_ = json.Unmarshal(data, &raw)
	c.logger.Error().Err(cause).Str("command", raw.Command.ID).Msg("Undecodable command")
	if raw.Command.ID == "" {
		return
	}
	c.postResult(raw.SessionID, protocol.CommandResult{
		OK:        false,
		CommandID: raw.Command.ID,
		Error:     cause.Error(),
	})
}

// postResult sends a result over whatever connection is open now; with none
// the result is dropped.
func (c *Client) postResult(sessionID string, result protocol.CommandResult) {
	c.mu.Lock()
	var sock Socket
	if c.handle != nil && c.handle.open {
		sock = c.handle.socket
		if sessionID == "" {
			sessionID = c.handle.bootstrap.SessionID
		}
	}
	c.mu.Unlock()

	if sock == nil {
		c.logger.Warn().Str("command", result.CommandID).Msg("Socket not ready for command response")
		return
	}
	err := sock.WriteJSON(protocol.CommandResultMessage{
		Kind:      protocol.KindCommandResult,
		SessionID: sessionID,
		Result:    result,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("command", result.CommandID).Msg("Failed to send command result")
	}
}

func (c *Client) applyMetadata(h *handle, msg protocol.MetadataMessage) {
	name := strings.TrimSpace(msg.Codename)
	c.mu.Lock()
	if c.handle != h || h.bootstrap.SessionID != msg.SessionID {
		c.mu.Unlock()
		return
	}
	h.codename = name
	c.announceLocked(StatusConnected, "")
	c.mu.Unlock()
	c.deliver()
}

func (c *Client) armHeartbeatLocked(h *handle) {
	if h.heartbeat != nil {
		h.heartbeat.Stop()
	}
	h.heartbeat = c.opts.AfterFunc(c.opts.HeartbeatInterval, func() { c.heartbeatTick(h) })
}

func (c *Client) heartbeatTick(h *handle) {
	c.mu.Lock()
	if c.handle != h || !h.open {
		c.mu.Unlock()
		return
	}
	sock := h.socket
	id := h.bootstrap.SessionID
	c.armHeartbeatLocked(h)
	c.mu.Unlock()

	if err := sock.WriteJSON(protocol.HeartbeatMessage{Kind: protocol.KindHeartbeat, SessionID: id}); err != nil {
		c.logger.Debug().Err(err).Str("session", id).Msg("Heartbeat failed")
	}
}

// Teardown ends the active session. It is a no-op without one.
func (c *Client) Teardown(reason string, scheduleReconnect bool) {
	c.mu.Lock()
	c.teardownLocked(reason, scheduleReconnect)
	c.mu.Unlock()
	c.deliver()
}

func (c *Client) teardownLocked(reason string, scheduleReconnect bool) {
	h := c.handle
	if h == nil {
		return
	}
	if h.heartbeat != nil {
		h.heartbeat.Stop()
		h.heartbeat = nil
	}
	// Clearing the handle first makes the read loop's own teardown a no-op.
	c.handle = nil
	wasOpen := h.open
	h.open = false
	if h.socket != nil {
		_ = h.socket.Close()
	}
	c.logger.Info().Str("session", h.bootstrap.SessionID).Str("reason", reason).Bool("open", wasOpen).Msg("Session ended")
	c.announceWithCodenameLocked(StatusIdle, reason, "")
	if scheduleReconnect {
		c.scheduleReconnectLocked(reason)
	}
}

func (c *Client) disableAutoReconnectLocked() {
	c.autoReconnect = false
	c.stopReconnectLocked()
	if err := c.opts.Store.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to clear stored session")
	}
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) scheduleReconnectLocked(reason string) {
	if !c.autoReconnect || c.closed || c.reconnectTimer != nil {
		return
	}
	delay := ReconnectDelay(c.opts.ReconnectBaseDelay, c.reconnectAttempts)
	now := c.opts.Now()
	if c.reconnectAttempts == 0 || now.Sub(c.lastReconnectLog) >= reconnectLogInterval {
		c.logger.Info().
			Str("reason", reason).
			Dur("delay", delay).
			Int("attempt", c.reconnectAttempts+1).
			Msg("Scheduling reconnect")
		c.lastReconnectLog = now
	}
	c.reconnectTimer = c.opts.AfterFunc(delay, c.attemptReconnect)
}

// attemptReconnect resumes the stored session when it is still fresh and
// otherwise performs a new handshake.
func (c *Client) attemptReconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if !c.autoReconnect || c.closed || c.handle != nil {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.opts.MaxReconnectAttempts {
		c.autoReconnect = false
		c.announceLocked(StatusError, "Auto-reconnect failed: maximum retries reached")
		c.mu.Unlock()
		c.deliver()
		return
	}
	c.reconnectAttempts++
	c.announceLocked(StatusConnecting, "")
	c.mu.Unlock()
	c.deliver()

	err := c.reconnect(c.ctx)
	if err == nil || errors.Is(err, ErrSuperseded) {
		return
	}

	c.mu.Lock()
	defer c.deliver()
	defer c.mu.Unlock()
	if c.handle != nil {
		return
	}
	if isAuthFailure(err, "") {
		c.disableAutoReconnectLocked()
		c.announceLocked(StatusError, "SweetLink authentication required")
		return
	}
	c.announceLocked(StatusError, "Auto-reconnect failed: "+err.Error())
	c.scheduleReconnectLocked("retry-after-error")
}

func (c *Client) reconnect(ctx context.Context) error {
	stored, err := c.opts.Store.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load stored session")
	}
	if stored != nil && c.opts.IsFresh(*stored, c.opts.Now()) {
		err := c.startSession(ctx, *stored, true)
		if err == nil || errors.Is(err, ErrSuperseded) || isAuthFailure(err, "") {
			return err
		}
		c.logger.Warn().Err(err).Msg("Failed to resume stored session")
		if err := c.opts.Store.Clear(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to clear stored session")
		}
	}

	if c.opts.Handshake == nil {
		return ErrHandshakeNotConfigured
	}
	b, err := c.opts.Handshake(ctx)
	if err != nil {
		return err
	}
	return c.startSession(ctx, b, true)
}

// Close tears the session down for good.
func (c *Client) Close() {
	c.mu.Lock()
	c.teardownLocked("closed", false)
	c.stopReconnectLocked()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.deliver()
}

func (c *Client) announceLocked(status Status, reason string) {
	name := ""
	if status == StatusConnected && c.handle != nil {
		name = c.handle.codename
	}
	c.announceWithCodenameLocked(status, reason, name)
}

func (c *Client) announceWithCodenameLocked(status Status, reason, codename string) {
	snap := Snapshot{Status: status, Reason: strings.TrimSpace(reason), Codename: codename, At: c.opts.Now()}
	c.status = snap
	c.outbox = append(c.outbox, snap)
	if status == StatusConnected && codename != "" {
		if err := c.opts.Store.UpdateCodename(codename); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to store codename")
		}
	}
}

// deliver hands queued snapshots to observers outside c.mu, in order. An
// observer that calls back into the client only queues; the outer call
// delivers.
func (c *Client) deliver() {
	for {
		if !c.deliverMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			if len(c.outbox) == 0 {
				c.mu.Unlock()
				break
			}
			snap := c.outbox[0]
			c.outbox = c.outbox[1:]
			observers := make([]Observer, 0, len(c.observers))
			for id := 0; id < c.nextObserver; id++ {
				if o, ok := c.observers[id]; ok {
					observers = append(observers, o)
				}
			}
			c.mu.Unlock()
			for _, o := range observers {
				c.notify(o, snap)
			}
		}
		c.deliverMu.Unlock()

		c.mu.Lock()
		empty := len(c.outbox) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

func (c *Client) notify(o Observer, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Status observer panicked")
		}
	}()
	o(snap)
}
