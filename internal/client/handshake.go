package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/sweetlink/sweetlink/internal/apiclient"
	"github.com/sweetlink/sweetlink/internal/protocol"
)

// BootstrapFromHandshake converts a handshake answer. The daemon reports
// expiry in seconds; bootstraps keep milliseconds.
func BootstrapFromHandshake(r protocol.HandshakeResponse) Bootstrap {
	var expires int64
	if r.ExpiresAt > 0 {
		expires = r.ExpiresAt * 1000
	}
	return Bootstrap{
		SessionID:    r.SessionID,
		SessionToken: r.SessionToken,
		SocketURL:    r.SocketURL,
		ExpiresAtMs:  expires,
		Codename:     r.Codename,
	}
}

// HTTPHandshake returns a HandshakeFunc backed by the daemon API. Rejected
// credentials surface as ErrAuthenticationRequired.
func HTTPHandshake(api *apiclient.Client, req protocol.HandshakeRequest) HandshakeFunc {
	return func(ctx context.Context) (Bootstrap, error) {
		resp, err := api.Handshake(ctx, req)
		if errors.Is(err, apiclient.ErrUnauthorized) {
			return Bootstrap{}, fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
		}
		if err != nil {
			return Bootstrap{}, fmt.Errorf("handshake: %w", err)
		}
		return BootstrapFromHandshake(resp), nil
	}
}
