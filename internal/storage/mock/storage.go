// Package mock provides an in-memory storage.Backend for tests, with
// injectable errors and call hooks.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/fjmerc/stashbox/internal/storage"
)

// Backend is an in-memory storage.Backend.
type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int

	// Error injection for testing
	PutError       error
	GetError       error
	DeleteError    error
	SizeError      error
	RangeError     error
	TotalSizeError error

	// Custom behavior hooks
	OnPut func(ctx context.Context, key string, data []byte) error
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{objects: make(map[string][]byte)}
}

var _ storage.Backend = (*Backend)(nil)

// Type implements storage.Backend.
func (b *Backend) Type() string { return "mock" }

// Reset clears all objects, errors and hooks.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects = make(map[string][]byte)
	b.puts = 0
	b.PutError = nil
	b.GetError = nil
	b.DeleteError = nil
	b.SizeError = nil
	b.RangeError = nil
	b.TotalSizeError = nil
	b.OnPut = nil
}

// AddObject adds an object directly for test setup.
func (b *Backend) AddObject(key string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), content...)
}

// Content returns a copy of an object (for test assertions).
func (b *Backend) Content(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Keys returns every stored key, sorted.
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutCount returns how many Put calls succeeded.
func (b *Backend) PutCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.puts
}

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if b.PutError != nil {
		return storage.NewStorageError("Put", key, b.PutError)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return storage.NewStorageError("Put", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return storage.NewStorageErrorWithMessage("Put", key, nil,
			fmt.Sprintf("size mismatch: expected %d bytes, wrote %d bytes", size, len(data)))
	}
	if b.OnPut != nil {
		if err := b.OnPut(ctx, key, data); err != nil {
			return storage.NewStorageError("Put", key, err)
		}
	}

	b.mu.Lock()
	b.objects[key] = data
	b.puts++
	b.mu.Unlock()
	return nil
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if b.GetError != nil {
		return nil, storage.NewStorageError("Get", key, b.GetError)
	}
	data, ok := b.Content(key)
	if !ok {
		return nil, storage.NewStorageError("Get", key, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.DeleteError != nil {
		return storage.NewStorageError("Delete", key, b.DeleteError)
	}
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

// Size implements storage.Backend.
func (b *Backend) Size(ctx context.Context, key string) (int64, error) {
	if b.SizeError != nil {
		return 0, storage.NewStorageError("Size", key, b.SizeError)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return 0, storage.NewStorageError("Size", key, storage.ErrNotFound)
	}
	return int64(len(data)), nil
}

// Range implements storage.Backend.
func (b *Backend) Range(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if b.RangeError != nil {
		return nil, storage.NewStorageError("Range", key, b.RangeError)
	}
	data, ok := b.Content(key)
	if !ok {
		return nil, storage.NewStorageError("Range", key, storage.ErrNotFound)
	}
	if err := storage.ValidateRange(start, end, int64(len(data))); err != nil {
		return nil, storage.NewStorageError("Range", key, err)
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

// TotalSize implements storage.Backend.
func (b *Backend) TotalSize(ctx context.Context) (int64, error) {
	if b.TotalSizeError != nil {
		return 0, storage.NewStorageError("TotalSize", "", b.TotalSizeError)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, data := range b.objects {
		total += int64(len(data))
	}
	return total, nil
}
