// Package apiclient talks to the SweetLink daemon's HTTP API on behalf of
// operators and page hosts.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrSessionNotFound = errors.New("session not found")
	ErrCommandTimeout  = errors.New("command timed out")
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrSessionNotFound
	case http.StatusGatewayTimeout:
		return ErrCommandTimeout
	}
	return nil
}

// TokenSource returns the bearer token for the next request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client is the daemon API client.
type Client struct {
	http   *resty.Client
	tokens TokenSource
}

// New returns a client for the daemon at baseURL. Requests wait at most
// timeout, so it must cover the longest command the caller will run.
func New(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rc := resty.New().
		SetHostURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: rc, tokens: tokens}
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	req := c.http.R().SetContext(ctx).SetError(&protocol.ErrorResponse{})
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("cli token: %w", err)
		}
		req.SetAuthToken(tok)
	}
	return req, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("daemon request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if body, ok := resp.Error().(*protocol.ErrorResponse); ok && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode(), Message: msg}
}

// Health returns the daemon's health document. It needs no token.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/health")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Handshake asks the daemon for a session token.
func (c *Client) Handshake(ctx context.Context, body protocol.HandshakeRequest) (protocol.HandshakeResponse, error) {
	var out protocol.HandshakeResponse
	req, err := c.request(ctx)
	if err != nil {
		return out, err
	}
	resp, err := req.SetBody(body).SetResult(&out).Post("/handshake")
	return out, check(resp, err)
}

func (c *Client) Sessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	var out protocol.SessionsResponse
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetResult(&out).Get("/sessions")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) Session(ctx context.Context, id string) (protocol.SessionSummary, error) {
	var out protocol.SessionSummary
	req, err := c.request(ctx)
	if err != nil {
		return out, err
	}
	resp, err := req.SetResult(&out).Get("/sessions/" + url.PathEscape(id))
	return out, check(resp, err)
}

// Command runs cmd in session id. A positive timeout is sent as the
// command's dispatch timeout.
func (c *Client) Command(ctx context.Context, id string, cmd protocol.Command, timeout time.Duration) (protocol.CommandResult, error) {
	body, err := commandBody(cmd, timeout)
	if err != nil {
		return protocol.CommandResult{}, err
	}
	var out protocol.CommandResponse
	req, err := c.request(ctx)
	if err != nil {
		return out.Result, err
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post("/sessions/" + url.PathEscape(id) + "/command")
	return out.Result, check(resp, err)
}

func commandBody(cmd protocol.Command, timeout time.Duration) ([]byte, error) {
	protocol.EnsureID(cmd)
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return raw, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields["timeoutMs"]; !ok {
		fields["timeoutMs"] = timeout.Milliseconds()
	}
	return json.Marshal(fields)
}

func (c *Client) Console(ctx context.Context, id string) ([]protocol.ConsoleEvent, error) {
	var out protocol.ConsoleResponse
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetResult(&out).Get("/sessions/" + url.PathEscape(id) + "/console")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Events, nil
}
