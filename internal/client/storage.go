package client

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sweetlink/sweetlink/internal/filestore"
)

// Bootstrap is everything needed to open a session connection.
type Bootstrap struct {
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
	SocketURL    string `json:"socketUrl"`
	// ExpiresAtMs is the token expiry in unix milliseconds, zero if unknown.
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
	Codename    string `json:"codename,omitempty"`
}

// SessionStore persists the last bootstrap so a page can resume after a
// restart. Load returns nil, nil when nothing is stored.
type SessionStore interface {
	Load() (*Bootstrap, error)
	Save(b Bootstrap) error
	Clear() error
	UpdateCodename(codename string) error
}

// DefaultIsFresh accepts a stored session with no recorded expiry or one
// that has not yet expired.
func DefaultIsFresh(b Bootstrap, now time.Time) bool {
	return b.ExpiresAtMs == 0 || b.ExpiresAtMs > now.UnixMilli()
}

// FileSessionStore keeps the bootstrap in a JSON file.
type FileSessionStore struct {
	path string
}

func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

func (s *FileSessionStore) Load() (*Bootstrap, error) {
	var out *Bootstrap
	err := filestore.WithLock(s.path, func() error {
		b, found, err := filestore.ReadJSON(s.path, Bootstrap{})
		if err != nil || !found || b.SessionID == "" {
			return err
		}
		out = &b
		return nil
	})
	return out, err
}

func (s *FileSessionStore) Save(b Bootstrap) error {
	return filestore.WithLock(s.path, func() error {
		return filestore.WriteJSON(s.path, b)
	})
}

func (s *FileSessionStore) Clear() error {
	return filestore.WithLock(s.path, func() error {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func (s *FileSessionStore) UpdateCodename(codename string) error {
	return filestore.WithLock(s.path, func() error {
		b, found, err := filestore.ReadJSON(s.path, Bootstrap{})
		if err != nil || !found || b.SessionID == "" {
			return err
		}
		b.Codename = strings.TrimSpace(codename)
		return filestore.WriteJSON(s.path, b)
	})
}

// MemoryStore is a SessionStore for tests and ephemeral hosts.
type MemoryStore struct {
	mu sync.Mutex
	b  *Bootstrap
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load() (*Bootstrap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.b == nil {
		return nil, nil
	}
	b := *m.b
	return &b, nil
}

func (m *MemoryStore) Save(b Bootstrap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.b = &b
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.b = nil
	return nil
}

func (m *MemoryStore) UpdateCodename(codename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.b != nil {
		m.b.Codename = strings.TrimSpace(codename)
	}
	return nil
}
