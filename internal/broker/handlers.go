package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweetlink/sweetlink/internal/protocol"
	"github.com/sweetlink/sweetlink/internal/token"
	"github.com/sweetlink/sweetlink/internal/version"
)

// commandSlack is added to a command's own timeout so the page's timeout
// result arrives before the broker gives up.
const commandSlack = 2 * time.Second

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Version,
		"uptimeMs": s.Uptime().Milliseconds(),
		"sessions": len(s.registry.Summaries()),
	})
}

// handleHandshake issues a session token for a page that is about to connect.
func (s *Server) handleHandshake(c echo.Context) error {
	var req protocol.HandshakeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid handshake body")
		}
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Subject == "" {
		if sub, ok := c.Get("subject").(string); ok && sub != "" {
			req.Subject = sub
		} else {
			req.Subject = "sweetlink"
		}
	}

	now := s.now()
	tok, err := token.SignAt(token.SignOptions{
		Secret:    s.secret,
		Scope:     token.ScopeSession,
		Subject:   req.Subject,
		TTL:       token.SessionTTL,
		SessionID: req.SessionID,
	}, now)
	if err != nil {
		return err
	}

	name, err := s.codenames.Assign(c.Request().Context(), req.SessionID, "")
	if err != nil {
		s.logger.Warn().Err(err).Str("session", req.SessionID).Msg("Failed to persist codename")
	}

	s.logger.Info().Str("session", req.SessionID).Str("codename", name).Msg("Handshake issued")
	return c.JSON(http.StatusOK, protocol.HandshakeResponse{
		SessionID:    req.SessionID,
		SessionToken: tok,
		SocketURL:    s.cfg.Daemon.SocketURL(),
		ExpiresAt:    now.Add(token.SessionTTL).Unix(),
		Codename:     name,
	})
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.SessionsResponse{Sessions: s.registry.Summaries()})
}

func (s *Server) handleSession(c echo.Context) error {
	sum, ok := s.registry.Summary(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Session not found")
	}
	return c.JSON(http.StatusOK, sum)
}

// handleCommand decodes a command descriptor, dispatches it and waits for the
// page's result.
func (s *Server) handleCommand(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxFrameSize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read body")
	}
	cmd, err := protocol.DecodeCommand(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := protocol.ValidateCommand(cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var opts struct {
		TimeoutMs int64 `json:"timeoutMs"`
	}
	_ = json.Unmarshal(body, &opts)
	timeout := s.cfg.Session.CommandTimeout()
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs)*time.Millisecond + commandSlack
	}

	result, err := s.registry.Dispatch(c.Request().Context(), c.Param("id"), cmd, timeout)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, protocol.CommandResponse{Result: result})
	case errors.Is(err, ErrSessionUnavailable):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrCommandTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ErrDuplicateCommand):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return err
	}
}

func (s *Server) handleConsole(c echo.Context) error {
	id := c.Param("id")
	events, err := s.registry.ConsoleEvents(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, protocol.ConsoleResponse{SessionID: id, Events: events})
}

func (s *Server) handleMetrics(c echo.Context) error {
	s.registry.refreshGauges()
	promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}
