package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore keeps blobs in process memory. Contents vanish on exit; meant
// for development servers and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Metadata, error) {
	if err := CheckKey("MemoryStore.Put", key); err != nil {
		return Metadata{}, err
	}
	data, err := ReadAll("MemoryStore.Put", key, r, size, opts)
	if err != nil {
		return Metadata{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if existing, ok := m.data[key]; ok {
		return Metadata{Key: key, Size: int64(len(existing))}, nil
	}
	m.data[key] = append([]byte(nil), data...)
	return Metadata{Key: key, Size: int64(len(data))}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, Metadata{}, notFound("MemoryStore.Get", key)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), Metadata{Key: key, Size: int64(len(data))}, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return Metadata{}, notFound("MemoryStore.Head", key)
	}
	return Metadata{Key: key, Size: int64(len(data))}, nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Puts returns how many Put calls reached the store, including no-op repeats.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
