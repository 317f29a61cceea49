package gloomstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// Storage is the byte-stream boundary between the Manager and wherever
// filters are persisted. Implementations live in the storage sub-packages
// (local files, S3, MinIO, compression wrappers); MemoryStorage is provided
// here for tests and embedding.
type Storage interface {
	// Save stores everything read from r under name, replacing any previous
	// data. A failed Save must leave the previous data readable.
	Save(ctx context.Context, name string, r io.Reader) error

	// Load opens the data stored under name. It returns an error satisfying
	// errors.Is(err, ErrNotFound) when nothing is stored.
	Load(ctx context.Context, name string) (io.ReadCloser, error)
}

// MemoryStorage is an in-memory Storage.
// Thread-safe for concurrent reads and writes.
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		blobs: make(map[string][]byte),
	}
}

// Save reads r fully and stores the bytes under name.
func (m *MemoryStorage) Save(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = data
	return nil
}

// Load returns a reader over a copy of the bytes stored under name.
func (m *MemoryStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// Put stores a copy of data under name.
func (m *MemoryStorage) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = bytes.Clone(data)
}

// Get returns a copy of the bytes stored under name.
func (m *MemoryStorage) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[name]
	return bytes.Clone(data), ok
}

// Delete removes name.
func (m *MemoryStorage) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
}

// List returns all stored names with the given prefix, sorted.
func (m *MemoryStorage) List(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
