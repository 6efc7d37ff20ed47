package commands

import (
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonStartForeground(t *testing.T) {
	dir := isolate(t)
	t.Setenv("SWEETLINK_SKIP_DAEMON_START", "true")

	out, _, err := run(t, newDaemonStartCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "Starting SweetLink daemon on 127.0.0.1:4455")
	assert.Contains(t, out, "ws://127.0.0.1:4455/bridge")
	assert.FileExists(t, dir+"/secret.key")
	assert.NoFileExists(t, daemonPIDPath())
}

func TestDaemonStartRefusesSecondInstance(t *testing.T) {
	isolate(t)
	t.Setenv("SWEETLINK_SKIP_DAEMON_START", "true")

	held := flock.New(daemonLockPath())
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = held.Unlock() }()

	out, _, err := run(t, newDaemonStartCommand())
	require.Error(t, err)
	assert.Contains(t, out, "already running")
}

func TestDaemonStatus(t *testing.T) {
	isolate(t)
	d := startDaemon(t)

	out, _, err := run(t, newDaemonStatusCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon:   ok at "+d.URL)
	assert.Contains(t, out, "Sessions: 0")
}

func TestDaemonStatusWhenDown(t *testing.T) {
	isolate(t)
	t.Setenv("SWEETLINK_DAEMON_PORT", "1")

	out, _, err := run(t, newDaemonStatusCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "not reachable")
}

func TestDaemonStopWithoutPIDFile(t *testing.T) {
	isolate(t)
	_, _, err := run(t, newDaemonStopCommand())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid file missing")
}
