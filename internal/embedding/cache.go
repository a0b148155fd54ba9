package embedding

import (
	"context"
	"sync"
)

// Cache stores vectors by exact text.
type Cache interface {
	Get(ctx context.Context, key string) (Vector, bool)
	Set(ctx context.Context, key string, v Vector)
}

type MemoryCache struct {
	mu      sync.RWMutex
	vectors map[string]Vector
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{vectors: make(map[string]Vector)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Vector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vectors[key]
	return v, ok
}

func (m *MemoryCache) Set(_ context.Context, key string, v Vector) {
	m.mu.Lock()
	m.vectors[key] = v
	m.mu.Unlock()
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
