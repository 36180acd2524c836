package relayclient

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoKey is returned by a KeyStore that holds no key material yet.
var ErrNoKey = errors.New("relayclient: no stored key")

// KeyStore persists the client's hex-encoded identity seed.
type KeyStore interface {
	// Load returns the stored seed or ErrNoKey.
	Load() (string, error)
	// Store replaces the stored seed.
	Store(seed string) error
}

// FileKeyStore keeps the seed in a file readable only by its owner.
type FileKeyStore struct {
	Path string
}

var _ KeyStore = (*FileKeyStore)(nil)

// Load reads the seed file.
func (f *FileKeyStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", f.Path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Store writes the seed file, creating its directory if needed.
func (f *FileKeyStore) Store(seed string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", f.Path, err)
	}
	return nil
}

// MemoryKeyStore keeps the seed in memory.
type MemoryKeyStore struct {
	mu   sync.Mutex
	seed string
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// Load returns the stored seed.
func (m *MemoryKeyStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seed == "" {
		return "", ErrNoKey
	}
	return m.seed, nil
}

// Store replaces the stored seed.
func (m *MemoryKeyStore) Store(seed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed = seed
	return nil
}
