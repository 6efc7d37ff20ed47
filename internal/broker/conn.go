package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

const (
	closeNormal    = websocket.CloseNormalClosure
	closeGoingAway = websocket.CloseGoingAway

	writeWait = 10 * time.Second
	// maxFrameSize bounds one inbound frame; screenshots travel the other way.
	maxFrameSize = 8 << 20
)

// wsConn adapts a gorilla connection to Conn. gorilla allows one concurrent
// writer, so writes are serialized here.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	state   atomic.Value
	once    sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{ws: ws}
	c.state.Store(protocol.SocketOpen)
	ws.SetReadLimit(maxFrameSize)
	return c
}

func (c *wsConn) Send(v any) error {
	if c.State() != protocol.SocketOpen {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Close sends a close frame with code and reason and releases the socket.
// Only the first call has any effect.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.state.Store(protocol.SocketClosing)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		c.state.Store(protocol.SocketClosed)
	})
	return err
}

func (c *wsConn) State() protocol.SocketState {
	if s, ok := c.state.Load().(protocol.SocketState); ok {
		return s
	}
	return protocol.SocketUnknown
}
