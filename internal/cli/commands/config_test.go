package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetlink/sweetlink/internal/config"
)

func TestConfigSetThenGet(t *testing.T) {
	isolate(t)

	out, _, err := run(t, newConfigSetCommand(), "daemon.port", "4460")
	require.NoError(t, err)
	assert.Contains(t, out, "Updated daemon.port = 4460")

	out, _, err = run(t, newConfigGetCommand(), "daemon.port")
	require.NoError(t, err)
	assert.Equal(t, "4460\n", out)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 4460, cfg.Daemon.Port)
}

func TestConfigSetRejectsInvalidValue(t *testing.T) {
	isolate(t)
	_, _, err := run(t, newConfigSetCommand(), "codenames.backend", "etcd")
	require.Error(t, err)
	assert.NoFileExists(t, config.ConfigPath())
}

func TestConfigShow(t *testing.T) {
	isolate(t)
	out, _, err := run(t, newConfigShowCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "wsPath: /bridge")
	assert.Contains(t, out, "commandTimeoutMs: 30000")
}
