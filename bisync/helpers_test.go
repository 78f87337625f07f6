// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend records every call and lets tests inject failures per record.
type fakeBackend struct {
	mu       sync.Mutex
	records  map[string]map[string]json.RawMessage // table -> id -> data
	calls    []string                              // "op table/id"
	failWith map[string]error                      // table/id -> error for next calls
	deltas   map[string][]RemoteRecord             // table -> rows served by Query
	queryErr error                                 // returned by Query when set
	lastVars map[string]any                        // vars of the most recent Query
	delay    time.Duration                         // simulated round-trip time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records:  map[string]map[string]json.RawMessage{},
		failWith: map[string]error{},
		deltas:   map[string][]RemoteRecord{},
	}
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBackend) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) failRecord(table, id string, err error) {
	f.mu.Lock()
	f.failWith[table+"/"+id] = err
	f.mu.Unlock()
}

func (f *fakeBackend) clearFailure(table, id string) {
	f.mu.Lock()
	delete(f.failWith, table+"/"+id)
	f.mu.Unlock()
}

func (f *fakeBackend) stored(table, id string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.records[table][id]
	return data, ok
}

func (f *fakeBackend) apply(op, table, id string, data json.RawMessage) error {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s %s/%s", op, table, id))
	if err, ok := f.failWith[table+"/"+id]; ok {
		return err
	}
	if f.records[table] == nil {
		f.records[table] = map[string]json.RawMessage{}
	}
	switch op {
	case OpDelete:
		delete(f.records[table], id)
	default:
		f.records[table][id] = data
	}
	return nil
}

func (f *fakeBackend) Query(ctx context.Context, statement string, vars map[string]any) ([]RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "query")
	f.lastVars = vars
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []RemoteRecord
	for _, rows := range f.deltas {
		out = append(out, rows...)
	}
	return out, nil
}

func (f *fakeBackend) Create(ctx context.Context, table string, data json.RawMessage) (*RemoteRecord, error) {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &probe)
	if err := f.apply(OpCreate, table, probe.ID, data); err != nil {
		return nil, err
	}
	return &RemoteRecord{Table: table, ID: probe.ID, UpdatedAt: time.Now()}, nil
}

func (f *fakeBackend) Update(ctx context.Context, table, id string, data json.RawMessage) (*RemoteRecord, error) {
	if err := f.apply(OpUpdate, table, id, data); err != nil {
		return nil, err
	}
	return &RemoteRecord{Table: table, ID: id, UpdatedAt: time.Now()}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, table, id string) error {
	return f.apply(OpDelete, table, id, nil)
}

// batchBackend adds BatchRemoteBackend on top of fakeBackend so batching
// tests can compare both delivery paths.
type batchBackend struct {
	*fakeBackend
	batches []int // operation counts per ApplyBatch call
}

func (b *batchBackend) ApplyBatch(ctx context.Context, table string, ops []*SyncOperation) ([]BatchResult, error) {
	b.mu.Lock()
	b.batches = append(b.batches, len(ops))
	b.mu.Unlock()

	results := make([]BatchResult, len(ops))
	for i, op := range ops {
		id := op.RecordID
		if op.Op == OpCreate {
			var probe struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(op.Payload, &probe)
			if probe.ID != "" {
				id = probe.ID
			}
		}
		results[i] = BatchResult{OperationID: op.ID, Err: b.apply(op.Op, table, id, op.Payload)}
	}
	return results, nil
}

// fakeLocal is an in-memory LocalStore.
type fakeLocal struct {
	mu   sync.Mutex
	rows map[string]map[string]map[string]any
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{rows: map[string]map[string]map[string]any{}}
}

func (l *fakeLocal) ApplyUpsert(ctx context.Context, table, id string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows[table] == nil {
		l.rows[table] = map[string]map[string]any{}
	}
	l.rows[table][id] = data
	return nil
}

func (l *fakeLocal) ApplyDelete(ctx context.Context, table, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows[table], id)
	return nil
}

func (l *fakeLocal) get(table, id string) (map[string]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[table][id]
	return row, ok
}

type testEngine struct {
	engine  *Engine
	backend *fakeBackend
	local   *fakeLocal
	store   QueueStore
}

func newTestEngine(t *testing.T, online bool, mutate func(*Options)) *testEngine {
	t.Helper()
	backend := newFakeBackend()
	local := newFakeLocal()
	opts := Options{
		Backend: backend,
		Local:   local,
		Store:   NewMemoryStore(),
		Monitor: NewMonitor(nil, 0, online, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return &testEngine{engine: engine, backend: backend, local: local, store: opts.Store}
}

// quickConfig keeps timers short so tests converge fast.
func quickConfig() *Config {
	cfg := DefaultConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	cfg.PullInterval = 20 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.NetworkTimeout = time.Second
	cfg.BatchTimeout = time.Millisecond
	return cfg
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
