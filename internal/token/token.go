// Package token signs and verifies the compact bearer tokens used between the
// broker, operators and pages.
//
// A token is base64url(JSON payload) + "." + base64url(HMAC-SHA256(payload)).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scope restricts what a token may be used for.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeCLI     Scope = "cli"
)

// Lifetimes for each scope.
const (
	SessionTTL = 5 * time.Minute
	CLITTL     = time.Hour
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrScopeMismatch    = errors.New("token scope mismatch")
	ErrSecretMissing    = errors.New("token secret is not configured")
)

const separator = "."

var encoding = base64.RawURLEncoding

// Payload is the signed body of a token. Times are unix seconds.
type Payload struct {
	TokenID   string `json:"tokenId"`
	Scope     Scope  `json:"scope"`
	Subject   string `json:"sub"`
	SessionID string `json:"sessionId,omitempty"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ExpiresAtTime returns the expiry as a time.Time.
func (p Payload) ExpiresAtTime() time.Time {
	return time.Unix(p.ExpiresAt, 0)
}

// SignOptions describes a token to mint.
type SignOptions struct {
	Secret    string
	Scope     Scope
	Subject   string
	TTL       time.Duration
	SessionID string
}

// Sign mints a token issued now.
func Sign(opts SignOptions) (string, error) {
	return SignAt(opts, time.Now())
}

// SignAt mints a token as if issued at now.
func SignAt(opts SignOptions, now time.Time) (string, error) {
	if opts.Secret == "" {
		return "", ErrSecretMissing
	}
	issuedAt := now.Unix()
	payload := Payload{
		TokenID:   uuid.NewString(),
		Scope:     opts.Scope,
		Subject:   opts.Subject,
		SessionID: opts.SessionID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt + int64(opts.TTL/time.Second),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	encoded := encoding.EncodeToString(raw)
	return encoded + separator + sign(opts.Secret, encoded), nil
}

// Verify checks a token against the secret at the current time. An empty
// expected scope accepts any scope.
func Verify(secret, tok string, expected Scope) (*Payload, error) {
	return VerifyAt(secret, tok, expected, time.Now())
}

// VerifyAt checks a token as of now. Expiry is exclusive: a token whose
// expiresAt equals now is still valid.
func VerifyAt(secret, tok string, expected Scope, now time.Time) (*Payload, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}

	parts := strings.Split(tok, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformedToken
	}
	encoded, provided := parts[0], parts[1]

	providedSig, err := encoding.DecodeString(provided)
	if err != nil {
		return nil, ErrMalformedToken
	}
	rawPayload, err := encoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformedToken
	}

	expectedSig, _ := encoding.DecodeString(sign(secret, encoded))
	if !constantTimeEqual(providedSig, expectedSig) {
		return nil, ErrInvalidSignature
	}

	var payload Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if payload.ExpiresAt < now.Unix() {
		return nil, ErrExpired
	}
	if expected != "" && payload.Scope != expected {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrScopeMismatch, expected, payload.Scope)
	}
	return &payload, nil
}

func sign(secret, encoded string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return encoding.EncodeToString(mac.Sum(nil))
}

// constantTimeEqual reports false for unequal lengths instead of failing.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
