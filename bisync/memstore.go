// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is a volatile QueueStore for tests and for hosts that accept
// losing queued operations on restart. Blobs are round-tripped through JSON
// so stored state cannot alias live queue memory.
type MemoryStore struct {
	mu         sync.Mutex
	queues     map[string][]byte
	watermarks map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:     map[string][]byte{},
		watermarks: map[string]int64{},
	}
}

func (m *MemoryStore) SaveQueue(ctx context.Context, scopeKey string, ops []*SyncOperation) error {
	blob, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.queues[scopeKey] = blob
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadQueue(ctx context.Context, scopeKey string) ([]*SyncOperation, error) {
	m.mu.Lock()
	blob, ok := m.queues[scopeKey]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var ops []*SyncOperation
	if err := json.Unmarshal(blob, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func (m *MemoryStore) DeleteQueue(ctx context.Context, scopeKey string) error {
	m.mu.Lock()
	delete(m.queues, scopeKey)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveWatermark(ctx context.Context, scopeKey string, unixNano int64) error {
	m.mu.Lock()
	m.watermarks[scopeKey] = unixNano
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadWatermark(ctx context.Context, scopeKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[scopeKey], nil
}
