package broker

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

var errNoRegistration = errors.New("no registration received")

var upgrader = websocket.Upgrader{
	// Pages live on arbitrary origins; the session token is the credential.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleBridge upgrades a page connection, waits for its register message and
// then pumps inbound frames into the registry until the socket closes.
func (s *Server) handleBridge(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return err
	}
	conn := newWSConn(ws)
	defer conn.Close(closeNormal, "")

	session, err := s.awaitRegistration(c, conn)
	if errors.Is(err, errNoRegistration) {
		s.logger.Debug().Str("remote", c.RealIP()).Msg("Page never registered")
		_ = conn.Send(protocol.DisconnectMessage{Kind: protocol.KindDisconnect, Reason: err.Error()})
		_ = conn.Close(websocket.ClosePolicyViolation, err.Error())
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", c.RealIP()).Msg("Registration rejected")
		_ = conn.Send(protocol.DisconnectMessage{Kind: protocol.KindDisconnect, Reason: "unauthorized: " + err.Error()})
		_ = conn.Close(protocol.CloseAuthFailed, "unauthorized")
		return nil
	}
	id := session.ID()

	reason := "socket closed"
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Str("session", id).Msg("Page closed connection")
			} else if conn.State() == protocol.SocketOpen {
				s.logger.Warn().Err(err).Str("session", id).Msg("WebSocket read error")
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Text != "" {
				reason = ce.Text
			}
			break
		}
		s.handleFrame(id, conn, data)
	}

	s.registry.Disconnect(id, conn, reason)
	return nil
}

func (s *Server) awaitRegistration(c echo.Context, conn *wsConn) (*Session, error) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.Session.RegisterTimeout()))
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		return nil, errNoRegistration
	}
	_ = conn.ws.SetReadDeadline(time.Time{})

	env, err := protocol.PeekEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Kind != protocol.KindRegister {
		return nil, errors.New("expected register message, got " + string(env.Kind))
	}
	var reg protocol.RegisterMessage
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	return s.registry.Admit(c.Request().Context(), conn, reg)
}

func (s *Server) handleFrame(sessionID string, conn *wsConn, data []byte) {
	env, err := protocol.PeekEnvelope(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("session", sessionID).Msg("Ignoring frame")
		return
	}

	switch env.Kind {
	case protocol.KindHeartbeat:
		s.registry.Heartbeat(sessionID)
	case protocol.KindCommandResult:
		var msg protocol.CommandResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Str("session", sessionID).Msg("Malformed command result")
			return
		}
		if !s.registry.ResolveResult(sessionID, conn, msg.Result) {
			s.logger.Debug().Str("session", sessionID).Str("command", msg.Result.CommandID).Msg("Result had no waiter")
		}
	case protocol.KindConsole:
		var msg protocol.ConsoleMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Str("session", sessionID).Msg("Malformed console batch")
			return
		}
		s.registry.AppendConsole(sessionID, msg.Events)
	case protocol.KindRegister:
		s.logger.Debug().Str("session", sessionID).Msg("Ignoring repeated register")
	default:
		s.logger.Debug().Str("session", sessionID).Str("kind", string(env.Kind)).Msg("Unknown message kind")
	}
}
