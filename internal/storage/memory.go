package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps objects in a map. It backs tests and single-process
// dry runs.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	puts    int

	// FailPut, when set, is consulted before every Put; a non-nil result is
	// returned instead of storing.
	FailPut func(key string) error
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject)}
}

func (m *MemoryStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStorage) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return &Metadata{Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryStorage) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.puts++
	return nil
}

// SignedURL returns a memory:// URL carrying the expiry; it is only
// meaningful to tests.
func (m *MemoryStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	expires := time.Now().Add(ttl).UTC()
	q := url.Values{}
	q.Set("expires", fmt.Sprint(expires.Unix()))
	return "memory://" + key + "?" + q.Encode(), expires, nil
}

// Keys lists stored keys with the given prefix, sorted.
func (m *MemoryStorage) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Puts returns the number of successful writes.
func (m *MemoryStorage) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
