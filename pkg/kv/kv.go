// Package kv provides a minimal reference chronicle.KV: an in-memory,
// mutex-guarded map. The replicated state machine behind a real KV client
// is out of this subsystem's scope; this exists only so reference wiring
// (cmd/chronicled, tests) has a concrete client to inject.
package kv

import (
	"context"
	"sync"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
)

// Memory is an in-memory chronicle.KV.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New builds an empty Memory store.
func New() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements chronicle.KV.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put implements chronicle.KV.
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

var _ chronicle.KV = (*Memory)(nil)
