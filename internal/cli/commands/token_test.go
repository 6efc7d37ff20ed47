package commands

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetlink/sweetlink/internal/config"
	"github.com/sweetlink/sweetlink/internal/secret"
	"github.com/sweetlink/sweetlink/internal/token"
)

func localSecret(t *testing.T) string {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	res, err := secret.Resolve(secret.Options{Path: cfg.Secret.Path, AutoCreate: true})
	require.NoError(t, err)
	return res.Secret
}

func TestTokenCommandMintsCLIToken(t *testing.T) {
	isolate(t)

	out, _, err := run(t, NewTokenCommand())
	require.NoError(t, err)

	payload, err := token.Verify(localSecret(t), strings.TrimSpace(out), token.ScopeCLI)
	require.NoError(t, err)
	assert.Equal(t, cliSubject, payload.Subject)
}

func TestTokenCommandMintsSessionToken(t *testing.T) {
	isolate(t)
	id := "0b8f7c9e-2f43-4c44-9d0a-3c1b8f0e6a11"

	out, _, err := run(t, NewTokenCommand(), "--scope", "session", "--session", id)
	require.NoError(t, err)

	payload, err := token.Verify(localSecret(t), strings.TrimSpace(out), token.ScopeSession)
	require.NoError(t, err)
	assert.Equal(t, id, payload.SessionID)
	assert.Equal(t, int64(token.SessionTTL.Seconds()), payload.ExpiresAt-payload.IssuedAt)
}

func TestTokenCommandVerify(t *testing.T) {
	isolate(t)
	tok, err := token.Sign(token.SignOptions{Secret: localSecret(t), Scope: token.ScopeCLI, Subject: "ops", TTL: token.CLITTL})
	require.NoError(t, err)

	out, _, err := run(t, NewTokenCommand(), "--verify", tok)
	require.NoError(t, err)
	assert.Contains(t, out, `"sub": "ops"`)

	_, _, err = run(t, NewTokenCommand(), "--verify", tok, "--scope", "session")
	require.ErrorIs(t, err, token.ErrScopeMismatch)
}

func TestTokenCommandRejectsUnknownScope(t *testing.T) {
	isolate(t)
	_, _, err := run(t, NewTokenCommand(), "--scope", "admin")
	require.Error(t, err)
}
