package apiclient

import (
	"context"
	"sync"
	"time"

	"github.com/sweetlink/sweetlink/internal/token"
)

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = time.Minute

// CLITokens mints cli-scoped tokens from the shared secret and reuses each
// one until shortly before it expires.
type CLITokens struct {
	secret  string
	subject string
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewCLITokens(secret, subject string) *CLITokens {
	if subject == "" {
		subject = "sweetlink-cli"
	}
	return &CLITokens{secret: secret, subject: subject, now: time.Now}
}

func (t *CLITokens) Token(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.token != "" && now.Add(refreshMargin).Before(t.expires) {
		return t.token, nil
	}
	tok, err := token.SignAt(token.SignOptions{
		Secret:  t.secret,
		Scope:   token.ScopeCLI,
		Subject: t.subject,
		TTL:     token.CLITTL,
	}, now)
	if err != nil {
		return "", err
	}
	t.token = tok
	t.expires = now.Add(token.CLITTL)
	return tok, nil
}
