// Package filestore holds the small JSON-on-disk helpers shared by the
// secret, codename and client session stores.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WithLock runs fn while holding an exclusive lock on path + ".lock".
// The parent directory is created if needed.
func WithLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

// ReadJSON decodes path into a T. A missing file yields fallback with
// found=false; a corrupt file yields fallback with found=true.
func ReadJSON[T any](path string, fallback T) (T, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fallback, false, nil
	}
	if err != nil {
		return fallback, false, err
	}

	var val T
	if err := json.Unmarshal(data, &val); err != nil {
		return fallback, true, nil
	}
	return val, true, nil
}

// WriteJSON writes data atomically with owner-only permissions.
func WriteJSON(path string, data any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(path, b)
}

// WriteFile writes b to a temp file and renames it over path.
func WriteFile(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
