package blob

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process Client for development runs without an S3 endpoint
// and for tests. URLs use the memory:// scheme so they are obviously fake.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", fmt.Errorf("blob: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(body))
	copy(stored, body)
	m.objects[trimmed] = stored
	return "memory://" + trimmed, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[trimmed]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, trimmed)
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[trimmed]
	return ok, nil
}

func (m *Memory) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	trimmed := strings.Trim(strings.TrimSpace(prefix), "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.objects {
		if trimmed == "" || key == trimmed || strings.HasPrefix(key, trimmed+"/") {
			delete(m.objects, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
