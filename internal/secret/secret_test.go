package secret

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T) string {
	t.Helper()
	t.Setenv(EnvVar, "")
	return filepath.Join(t.TempDir(), "state", "secret.key")
}

func TestEnvWins(t *testing.T) {
	path := setupTest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("f", 40)), 0600))

	envSecret := strings.Repeat("e", 32)
	t.Setenv(EnvVar, envSecret)

	res, err := Resolve(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, res.Source)
	assert.Equal(t, envSecret, res.Secret)
}

func TestShortEnvIsIgnored(t *testing.T) {
	path := setupTest(t)
	t.Setenv(EnvVar, "too-short")

	_, err := Resolve(Options{Path: path})
	assert.ErrorIs(t, err, ErrSecretNotConfigured)
}

func TestFileSecretIsTrimmed(t *testing.T) {
	path := setupTest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	fileSecret := strings.Repeat("a", 32)
	require.NoError(t, os.WriteFile(path, []byte("  "+fileSecret+"\n"), 0600))

	res, err := Resolve(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, SourceFile, res.Source)
	assert.Equal(t, fileSecret, res.Secret)
	assert.Equal(t, path, res.Path)
}

func TestShortFileWithoutAutoCreate(t *testing.T) {
	path := setupTest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("short\n"), 0600))

	_, err := Resolve(Options{Path: path})
	assert.ErrorIs(t, err, ErrSecretNotConfigured)
}

func TestAutoCreateGeneratesAndPersists(t *testing.T) {
	path := setupTest(t)

	res, err := Resolve(Options{Path: path, AutoCreate: true})
	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, res.Source)
	// 48 bytes base64url without padding
	assert.Len(t, res.Secret, 64)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, res.Secret+"\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := Resolve(Options{Path: path, AutoCreate: true})
	require.NoError(t, err)
	assert.Equal(t, SourceFile, again.Source)
	assert.Equal(t, res.Secret, again.Secret)
}

func TestConcurrentAutoCreateAgrees(t *testing.T) {
	path := setupTest(t)

	const workers = 6
	secrets := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := Resolve(Options{Path: path, AutoCreate: true})
			if assert.NoError(t, err) {
				secrets[i] = res.Secret
			}
		}(i)
	}
	wg.Wait()

	for _, s := range secrets {
		assert.Equal(t, secrets[0], s)
	}
}
