// Package protocol defines the SweetLink wire types exchanged between the
// broker, pages and operators.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Defaults shared by every component.
const (
	DefaultPort                = 4455
	DefaultSocketPath          = "/bridge"
	DefaultHeartbeatIntervalMs = 5000
	HeartbeatToleranceMs       = 45000
)

// Kind tags every duplex message.
type Kind string

// Client to broker.
const (
	KindRegister      Kind = "register"
	KindHeartbeat     Kind = "heartbeat"
	KindCommandResult Kind = "commandResult"
	KindConsole       Kind = "console"
)

// Broker to client.
const (
	KindCommand    Kind = "command"
	KindMetadata   Kind = "metadata"
	KindDisconnect Kind = "disconnect"
)

// CloseAuthFailed is the websocket close code the broker uses when a
// registration token is rejected.
const CloseAuthFailed = 4401

// ErrNotObject is returned when a frame is valid JSON but not an object.
var ErrNotObject = errors.New("message is not a JSON object")

// Envelope is decoded first to learn a frame's kind.
type Envelope struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PeekEnvelope decodes only the routing fields of a frame.
func PeekEnvelope(data []byte) (Envelope, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode message: %w", err)
	}
	if _, ok := raw.(map[string]any); !ok {
		return Envelope{}, ErrNotObject
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode message: %w", err)
	}
	return env, nil
}

type RegisterMessage struct {
	Kind      Kind   `json:"kind"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	UserAgent string `json:"userAgent"`
	TopOrigin string `json:"topOrigin"`
}

type HeartbeatMessage struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId"`
}

type CommandResultMessage struct {
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"sessionId"`
	Result    CommandResult `json:"result"`
}

type ConsoleMessage struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"sessionId"`
	Events    []ConsoleEvent `json:"events"`
}

// CommandMessage carries a command to a page.
type CommandMessage struct {
	Kind      Kind    `json:"kind"`
	SessionID string  `json:"sessionId"`
	Command   Command `json:"command"`
}

func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind      Kind            `json:"kind"`
		SessionID string          `json:"sessionId"`
		Command   json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cmd, err := DecodeCommand(raw.Command)
	if err != nil {
		return err
	}
	m.Kind = raw.Kind
	m.SessionID = raw.SessionID
	m.Command = cmd
	return nil
}

type MetadataMessage struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId"`
	Codename  string `json:"codename"`
}

type DisconnectMessage struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

// ConsoleLevel is a console method name.
type ConsoleLevel string

const (
	LevelLog   ConsoleLevel = "log"
	LevelInfo  ConsoleLevel = "info"
	LevelWarn  ConsoleLevel = "warn"
	LevelError ConsoleLevel = "error"
	LevelDebug ConsoleLevel = "debug"
)

// ConsoleEvent is one captured console call. Timestamp is unix milliseconds.
type ConsoleEvent struct {
	ID        string       `json:"id"`
	Timestamp int64        `json:"timestamp"`
	Level     ConsoleLevel `json:"level"`
	Args      []any        `json:"args"`
}

// CommandResult is the outcome of one command. Exactly one of Data or Error
// is meaningful, selected by OK.
type CommandResult struct {
	OK         bool           `json:"ok"`
	CommandID  string         `json:"commandId"`
	DurationMs int64          `json:"durationMs"`
	Data       any            `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Stack      string         `json:"stack,omitempty"`
	Console    []ConsoleEvent `json:"console,omitempty"`
}

// SocketState is the broker's view of a page connection.
type SocketState string

const (
	SocketOpen       SocketState = "open"
	SocketClosing    SocketState = "closing"
	SocketClosed     SocketState = "closed"
	SocketConnecting SocketState = "connecting"
	SocketUnknown    SocketState = "unknown"
)

// SessionSummary is the read-only projection of a broker session. Times are
// unix milliseconds.
type SessionSummary struct {
	SessionID             string      `json:"sessionId" yaml:"sessionId"`
	Codename              string      `json:"codename" yaml:"codename"`
	URL                   string      `json:"url" yaml:"url"`
	Title                 string      `json:"title" yaml:"title"`
	TopOrigin             string      `json:"topOrigin" yaml:"topOrigin"`
	UserAgent             string      `json:"userAgent" yaml:"userAgent"`
	CreatedAt             int64       `json:"createdAt" yaml:"createdAt"`
	LastSeenAt            int64       `json:"lastSeenAt" yaml:"lastSeenAt"`
	HeartbeatMsAgo        int64       `json:"heartbeatMsAgo" yaml:"heartbeatMsAgo"`
	ConsoleEventsBuffered int         `json:"consoleEventsBuffered" yaml:"consoleEventsBuffered"`
	ConsoleErrorsBuffered int         `json:"consoleErrorsBuffered" yaml:"consoleErrorsBuffered"`
	PendingCommandCount   int         `json:"pendingCommandCount" yaml:"pendingCommandCount"`
	SocketState           SocketState `json:"socketState" yaml:"socketState"`
	LastConsoleEventAt    *int64      `json:"lastConsoleEventAt" yaml:"lastConsoleEventAt"`
	Stale                 bool        `json:"stale" yaml:"stale"`
}

// HandshakeRequest is the optional body of POST /handshake. An empty
// SessionID asks the broker to allocate one.
type HandshakeRequest struct {
	Subject   string `json:"subject,omitempty" validate:"omitempty,max=128"`
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,uuid"`
}

// HandshakeResponse is returned by POST /handshake. ExpiresAt is unix seconds.
type HandshakeResponse struct {
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
	SocketURL    string `json:"socketUrl"`
	ExpiresAt    int64  `json:"expiresAt"`
	Codename     string `json:"codename,omitempty"`
}

type SessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type CommandResponse struct {
	Result CommandResult `json:"result"`
}

type ConsoleResponse struct {
	SessionID string         `json:"sessionId"`
	Events    []ConsoleEvent `json:"events"`
}

// ErrorResponse is the JSON error body used by the broker HTTP API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SelectorCandidate is one element proposed by discoverSelectors.
type SelectorCandidate struct {
	Selector    string  `json:"selector" validate:"required"`
	TagName     string  `json:"tagName" validate:"required"`
	Hook        string  `json:"hook" validate:"oneof=data-target id aria role structure testid"`
	TextSnippet string  `json:"textSnippet"`
	Score       float64 `json:"score"`
	Visible     bool    `json:"visible"`
	Size        struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"size"`
	Position struct {
		Top  float64 `json:"top"`
		Left float64 `json:"left"`
	} `json:"position"`
	DataTarget string `json:"dataTarget,omitempty"`
	ElementID  string `json:"id,omitempty"`
	DataTestID string `json:"dataTestId,omitempty"`
	Path       string `json:"path" validate:"required"`
}

// SelectorDiscoveryResult is the data of a discoverSelectors result.
type SelectorDiscoveryResult struct {
	Candidates []SelectorCandidate `json:"candidates"`
}

// ScreenshotData is the data of a screenshot result.
type ScreenshotData struct {
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Renderer string `json:"renderer"`
}
