package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

// Socket is an open duplex connection to the broker.
type Socket interface {
	// ReadMessage blocks for the next frame.
	ReadMessage() ([]byte, error)
	// WriteJSON is safe for concurrent use.
	WriteJSON(v any) error
	Close() error
}

// Dialer opens Sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WSDialer dials the broker with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: broker answered %d", ErrAuthenticationRequired, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return &wsSocket{ws: ws}, nil
}

type wsSocket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteJSON(v)
}

func (s *wsSocket) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.ws.Close()
}

// describeClose turns a read error into the reason announced with idle.
func describeClose(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return fmt.Sprintf("socket closed (%d: %s)", ce.Code, ce.Text)
		}
		return fmt.Sprintf("socket closed (%d)", ce.Code)
	}
	if err == nil {
		return "socket closed"
	}
	return "socket closed (" + err.Error() + ")"
}

// isAuthFailure reports whether err or reason says the credential was
// rejected.
func isAuthFailure(err error, reason string) bool {
	if errors.Is(err, ErrAuthenticationRequired) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == protocol.CloseAuthFailed {
		return true
	}
	msg := strings.ToLower(reason)
	if err != nil {
		msg += " " + strings.ToLower(err.Error())
	}
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401")
}
