package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SWEETLINK_STATE_DIR", dir)
	t.Setenv("SWEETLINK_CONFIG_PATH", "")
	return dir
}

func TestConfigDefaults(t *testing.T) {
	dir := setupTest(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Daemon.Host)
	assert.Equal(t, 4455, cfg.Daemon.Port)
	assert.Equal(t, "/bridge", cfg.Daemon.WSPath)
	assert.Equal(t, filepath.Join(dir, "secret.key"), cfg.Secret.Path)
	assert.True(t, cfg.Secret.AutoCreate)
	assert.Equal(t, 5000, cfg.Session.HeartbeatIntervalMs)
	assert.Equal(t, 45000, cfg.Session.HeartbeatToleranceMs)
	assert.Equal(t, 1500, cfg.Client.ReconnectBaseDelayMs)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, "file", cfg.Codenames.Backend)
	assert.Equal(t, filepath.Join(dir, "session-codenames.json"), cfg.Codenames.Path)
	assert.NoError(t, cfg.Validate())
}

func TestConfigPath(t *testing.T) {
	t.Setenv("SWEETLINK_STATE_DIR", "")
	t.Setenv("SWEETLINK_CONFIG_PATH", "")
	t.Setenv("HOME", "/test/home")

	assert.Equal(t, "/test/home/.sweetlink/sweetlink.json", ConfigPath())
	assert.Equal(t, "/test/home/.sweetlink", StateDir())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := setupTest(t)

	content := `{
  "daemon": {"host": "0.0.0.0", "port": 9000},
  "session": {"commandTimeoutMs": 1234},
  "codenames": {"backend": "redis"}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sweetlink.json"), []byte(content), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Daemon.Host)
	assert.Equal(t, 9000, cfg.Daemon.Port)
	assert.Equal(t, 1234, cfg.Session.CommandTimeoutMs)
	assert.Equal(t, "redis", cfg.Codenames.Backend)
	// untouched keys keep their defaults
	assert.Equal(t, 5000, cfg.Session.HeartbeatIntervalMs)
}

func TestEnvOverride(t *testing.T) {
	setupTest(t)
	t.Setenv("SWEETLINK_DAEMON_PORT", "5001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5001, cfg.Daemon.Port)
}

func TestSaveRoundTrip(t *testing.T) {
	setupTest(t)

	cfg, err := Load()
	require.NoError(t, err)
	cfg.Daemon.Port = 4999
	require.NoError(t, Save(cfg))

	info, err := os.Stat(ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4999, loaded.Daemon.Port)
}

func TestDaemonURLs(t *testing.T) {
	d := DaemonConfig{Host: "127.0.0.1", Port: 4455, WSPath: "/bridge"}
	assert.Equal(t, "http://127.0.0.1:4455", d.BaseURL())
	assert.Equal(t, "ws://127.0.0.1:4455/bridge", d.SocketURL())

	d.PublicURL = "https://links.example.test/"
	assert.Equal(t, "https://links.example.test", d.BaseURL())
	assert.Equal(t, "wss://links.example.test/bridge", d.SocketURL())
}

func TestValidate(t *testing.T) {
	setupTest(t)
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Daemon.Port = 70000
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Session.CommandTimeoutMs = 0
	assert.ErrorContains(t, bad.Validate(), "session.commandTimeoutMs")

	bad = *cfg
	bad.Codenames.Backend = "etcd"
	assert.Error(t, bad.Validate())
}
