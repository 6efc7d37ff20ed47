package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/sweetlink/sweetlink/internal/apiclient"
	"github.com/sweetlink/sweetlink/internal/broker"
	"github.com/sweetlink/sweetlink/internal/client"
	"github.com/sweetlink/sweetlink/internal/config"
	"github.com/sweetlink/sweetlink/internal/executor"
	"github.com/sweetlink/sweetlink/internal/protocol"
	"github.com/sweetlink/sweetlink/internal/secret"
)

// isolate points every state path at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SWEETLINK_STATE_DIR", dir)
	t.Setenv("SWEETLINK_CONFIG_PATH", filepath.Join(dir, "sweetlink.json"))
	t.Setenv("SWEETLINK_SECRET", "")
	return dir
}

type testDaemon struct {
	*httptest.Server
	secret string
	api    *apiclient.Client
}

// startDaemon runs a broker on a random port and points the config at it.
func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	res, err := secret.Resolve(secret.Options{Path: cfg.Secret.Path, AutoCreate: true})
	require.NoError(t, err)

	srv, err := broker.New(broker.Options{Config: cfg, Secret: res.Secret, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	t.Setenv("SWEETLINK_DAEMON_PORT", u.Port())

	return &testDaemon{
		Server: ts,
		secret: res.Secret,
		api:    apiclient.New(ts.URL, apiclient.NewCLITokens(res.Secret, "test"), 5*time.Second),
	}
}

// attachPage connects an in-process page and returns its codename once the
// daemon lists it.
func (d *testDaemon) attachPage(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()
	hs, err := d.api.Handshake(ctx, protocol.HandshakeRequest{})
	require.NoError(t, err)
	b := client.BootstrapFromHandshake(hs)
	b.SocketURL = "ws" + strings.TrimPrefix(d.URL, "http") + "/bridge"

	page, err := client.New(client.Options{
		Dialer:   client.WSDialer{},
		Executor: executor.New(executor.Options{}),
		Page: func() client.PageInfo {
			return client.PageInfo{URL: "http://localhost:3000/", Title: "Dashboard"}
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(page.Close)
	require.NoError(t, page.StartSession(ctx, b))

	require.Eventually(t, func() bool {
		s, err := d.api.Session(ctx, hs.SessionID)
		return err == nil && s.SocketState == protocol.SocketOpen
	}, 2*time.Second, 20*time.Millisecond)
	return hs.SessionID, hs.Codename
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}
