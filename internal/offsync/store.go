package offsync

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PersistentStore is the platform storage abstraction behind the durable
// queue: one opaque blob, written whole on every mutation. Implementations
// must make Save atomic enough that a crash mid-write never yields a
// half-written blob on the next Load.
type PersistentStore interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Clear() error
}

type storeCloser interface {
	Close() error
}

// JSONFileStore persists the queue blob to a single file, written through a
// temp file and rename so readers never observe a torn write.
type JSONFileStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileStore(path string) (*JSONFileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileStore{path: path}, nil
}

func (s *JSONFileStore) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *JSONFileStore) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONFileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryStore keeps the blob in process memory. Used by tests and by
// sessions that opt out of durability.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryStore) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}
