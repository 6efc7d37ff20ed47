package commands

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

func TestSessionsCommandEmpty(t *testing.T) {
	isolate(t)
	startDaemon(t)

	out, _, err := run(t, NewSessionsCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "No active sessions.")
}

func TestSessionsCommandJSON(t *testing.T) {
	isolate(t)
	d := startDaemon(t)
	id, name := d.attachPage(t)

	out, _, err := run(t, NewSessionsCommand(), "--output", "json")
	require.NoError(t, err)

	var resp protocol.SessionsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, id, resp.Sessions[0].SessionID)
	assert.Equal(t, name, resp.Sessions[0].Codename)
	assert.Equal(t, "Dashboard", resp.Sessions[0].Title)
}

func TestWriteSessionsTable(t *testing.T) {
	sessions := []protocol.SessionSummary{
		{SessionID: "a", Codename: "calm-heron", Title: "Home", URL: "http://localhost/", SocketState: protocol.SocketOpen, HeartbeatMsAgo: 200},
		{SessionID: "b", Title: "Old", SocketState: protocol.SocketClosed, HeartbeatMsAgo: 90000, Stale: true},
	}
	var buf bytes.Buffer
	require.NoError(t, writeSessions(&buf, sessions, "table"))

	out := buf.String()
	assert.Contains(t, out, "calm-heron")
	assert.Contains(t, out, "just now")
	assert.Contains(t, out, "1m30s ago")
	assert.Contains(t, out, "stale")
	assert.Contains(t, out, "live")
}

func TestWriteSessionsYAML(t *testing.T) {
	sessions := []protocol.SessionSummary{{SessionID: "a", Codename: "calm-heron", SocketState: protocol.SocketOpen}}
	var buf bytes.Buffer
	require.NoError(t, writeSessions(&buf, sessions, "yaml"))

	var doc struct {
		Sessions []protocol.SessionSummary `yaml:"sessions"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Sessions, 1)
	assert.Equal(t, "calm-heron", doc.Sessions[0].Codename)
}

func TestWriteSessionsRejectsUnknownFormat(t *testing.T) {
	assert.Error(t, writeSessions(&bytes.Buffer{}, nil, "xml"))
}
