package codename

import (
	"context"

	"github.com/sweetlink/sweetlink/internal/filestore"
)

// FileStore keeps codenames in a JSON object on disk.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) All(ctx context.Context) (map[string]string, error) {
	names, _, err := filestore.ReadJSON(s.path, map[string]string{})
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = map[string]string{}
	}
	return names, nil
}

// Put merges entries into the file under an exclusive lock so concurrent
// CLI invocations do not lose each other's names.
func (s *FileStore) Put(ctx context.Context, entries map[string]string) error {
	return filestore.WithLock(s.path, func() error {
		names, _, err := filestore.ReadJSON(s.path, map[string]string{})
		if err != nil {
			return err
		}
		if names == nil {
			names = map[string]string{}
		}
		for id, name := range entries {
			names[id] = name
		}
		return filestore.WriteJSON(s.path, names)
	})
}
