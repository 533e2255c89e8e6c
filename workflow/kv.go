package workflow

import (
	"context"
	"errors"
	"sync"
)

// ErrKeyNotFound is returned by KV.Get for keys that were never written.
var ErrKeyNotFound = errors.New("key not found")

// KV is the blob persistence boundary. The engine stores its collections as
// JSON blobs under fixed keys and treats the store as plain get/set; no
// schema migrations happen at this layer.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// MemoryKV implements KV with an in-memory map. Used in tests and when the
// service runs without a database.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory blob store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get retrieves a blob by key.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores a blob under key, replacing any previous value.
func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}
