package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the rule list in a YAML file. Saves write a temporary
// file and rename it over the old one.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file store at path. The file is created on first save.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	return &FileStore{path: path}, nil
}

// Load reads the rule list; a missing file is an empty list
func (s *FileStore) Load(ctx context.Context) ([]Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Trigger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	list, err := ListFromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if list == nil {
		list = []Trigger{}
	}
	return list, nil
}

// Save writes the rule list
func (s *FileStore) Save(ctx context.Context, list []Trigger) error {
	data, err := ListToYAML(list)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rules: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace rules file: %w", err)
	}
	return nil
}

// Close is a no-op
func (s *FileStore) Close() error {
	return nil
}

// MemoryStore keeps the rule list in memory. Useful for tests and for
// running without persistence.
type MemoryStore struct {
	mu   sync.Mutex
	list []Trigger
}

// NewMemoryStore creates a memory store seeded with list
func NewMemoryStore(list []Trigger) *MemoryStore {
	return &MemoryStore{list: CloneList(list)}
}

func (s *MemoryStore) Load(ctx context.Context) ([]Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := CloneList(s.list)
	if list == nil {
		list = []Trigger{}
	}
	return list, nil
}

func (s *MemoryStore) Save(ctx context.Context, list []Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = CloneList(list)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
