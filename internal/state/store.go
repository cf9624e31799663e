package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// Store persists account entries locally and mirrors them to a blob store
// when one is configured.
type Store struct {
	dir  string
	blob BlobStore
	mu   sync.Mutex
}

func NewStore(dir string, blob BlobStore) *Store {
	return &Store{dir: dir, blob: blob}
}

func (s *Store) Path(uniqueID string) string {
	return filepath.Join(s.dir, FileName(uniqueID))
}

// Load reads the local entry, falling back to the blob mirror. A blob hit
// is written back locally.
func (s *Store) Load(ctx context.Context, uniqueID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := Load(s.Path(uniqueID))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrStateNotFound) || s.blob == nil {
		return Entry{}, err
	}

	data, blobErr := s.blob.Load(ctx, FileName(uniqueID))
	if errors.Is(blobErr, ErrBlobNotFound) {
		return Entry{}, ErrStateNotFound
	}
	if blobErr != nil {
		return Entry{}, fmt.Errorf("load state blob: %w", blobErr)
	}
	entry, err = Decode(data)
	if err != nil {
		return Entry{}, err
	}
	if err := writeFile(s.Path(uniqueID), data); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Save writes the entry locally and then to the blob mirror.
func (s *Store) Save(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Encode(entry)
	if err != nil {
		return err
	}
	if err := writeFile(s.Path(entry.UniqueID), data); err != nil {
		return err
	}
	if s.blob == nil {
		return nil
	}
	if err := s.blob.Save(ctx, FileName(entry.UniqueID), data); err != nil {
		return fmt.Errorf("save state blob: %w", err)
	}
	return nil
}
