// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

// Package bisync keeps a host-managed local cache consistent with a remote
// graph-relational backend under unreliable connectivity. It provides durable
// offline mutation queuing, automatic reconciliation on reconnect, conflict
// resolution between local and remote versions of the same record, batched
// network delivery and network-quality-aware scheduling.
//
// The engine has no implicit global state: the remote backend, the local
// store and the queue persistence are injected at construction, and the only
// process-wide shared state is the network Monitor.
package bisync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options wires the engine's collaborators.
type Options struct {
	Backend RemoteBackend // required
	Local   LocalStore    // required
	Store   QueueStore    // required; use NewMemoryStore for volatile queues
	Monitor *Monitor      // optional; a signal-only monitor is created when nil
	Logger  *slog.Logger  // optional; slog.Default when nil

	// OnQueueOverflow fires when the offline queue cap evicts an operation,
	// so the caller can surface data-loss risk.
	OnQueueOverflow func(scope Scope, evicted *SyncOperation)
	// OnPersistenceWarning fires when persisting a queue fails; sync
	// continues in memory but offline changes may not survive a reload.
	OnPersistenceWarning func(scope Scope, err error)
	// OnConflict fires when manual resolution parks a conflict.
	OnConflict func(conflict Conflict)
}

// Engine is the bidirectional synchronization engine. One engine serves the
// whole process; each (tables, owner, context) scope started on it runs its
// own single logical worker, while different scopes sync concurrently.
type Engine struct {
	mu     sync.RWMutex
	scopes map[string]*syncScope

	backend RemoteBackend
	local   LocalStore
	store   QueueStore
	monitor *Monitor
	logger  *slog.Logger
	sched   *scheduler
	opts    Options

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// syncScope is one active synchronization unit and the only writer of its
// queue. All queue and watermark mutation happens under mu; the single-flight
// marker keeps at most one drain in flight.
type syncScope struct {
	scope    Scope
	key      string
	cfg      *Config
	resolver Resolver

	mu        sync.Mutex
	queue     *opQueue
	deferred  map[string]*RemoteRecord // deltas parked behind a processing op
	parked    map[string]*Conflict     // manual conflicts keyed by record
	lastPull  time.Time
	watermark int64 // unix nanos of the newest applied remote change

	inFlight int32 // single-flight marker for the processor
}

func (s *syncScope) recordKey(table, recordID string) string {
	return table + "/" + recordID
}

// NewEngine creates an engine from the injected collaborators.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("bisync: Options.Backend is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("bisync: Options.Local is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bisync: Options.Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = NewMonitor(nil, 0, true, logger)
	}
	e := &Engine{
		scopes:  map[string]*syncScope{},
		backend: opts.Backend,
		local:   opts.Local,
		store:   opts.Store,
		monitor: monitor,
		logger:  logger,
		sched:   newScheduler(),
		opts:    opts,
	}
	return e, nil
}

// Monitor exposes the engine's network monitor so hosts can feed platform
// connectivity signals into it.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Start launches the network monitor and arms the reconnect hook. It must be
// called before any scope is started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("bisync: engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	// On reconnect, drain and process every active scope immediately instead
	// of waiting for the next periodic tick.
	e.monitor.OnWentOnline(e.resumeAll)
	e.monitor.Start(e.ctx)
	return nil
}

// Close persists every active queue synchronously and stops all timers. It is
// the page-unload equivalent: queued operations are persisted, not discarded.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	scopes := make([]*syncScope, 0, len(e.scopes))
	for _, sc := range e.scopes {
		scopes = append(scopes, sc)
	}
	e.scopes = map[string]*syncScope{}
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.sched.Stop()

	var firstErr error
	for _, sc := range scopes {
		if err := e.persistQueue(ctx, sc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartSync activates synchronization for a scope. The persisted queue is
// restored before any network activity so operations queued before a restart
// are retried in their original order. Starting an already-active scope is a
// no-op.
func (e *Engine) StartSync(ctx context.Context, tables []string, ownerID, contextID string, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	scope := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}
	key := scope.Key()

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("bisync: engine not started")
	}
	if _, ok := e.scopes[key]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// Restore before any network activity. Persistence being unreachable is
	// an engine-level fault, raised once per scope-start attempt.
	restored, err := e.store.LoadQueue(ctx, key)
	if err != nil {
		return &PersistenceError{Op: "restore", Err: err}
	}
	watermark, err := e.store.LoadWatermark(ctx, key)
	if err != nil {
		e.logger.Warn("failed to restore pull watermark, full re-pull will follow",
			"scope", key, "error", err)
		watermark = 0
	}

	sc := &syncScope{
		scope:     scope,
		key:       key,
		cfg:       cfg,
		resolver:  NewPolicyResolver(cfg.ConflictResolution),
		queue:     newOpQueue(cfg.OfflineQueueSize),
		deferred:  map[string]*RemoteRecord{},
		parked:    map[string]*Conflict{},
		watermark: watermark,
	}
	sc.queue.restore(restored)

	e.mu.Lock()
	if _, ok := e.scopes[key]; ok {
		e.mu.Unlock()
		return nil
	}
	e.scopes[key] = sc
	rootCtx := e.ctx
	e.mu.Unlock()

	e.sched.Register(rootCtx, key+"/process", cfg.SyncInterval, func(taskCtx context.Context) {
		e.process(taskCtx, sc)
	})
	e.sched.Register(rootCtx, key+"/pull", cfg.PullInterval, func(taskCtx context.Context) {
		e.pull(taskCtx, sc)
	})
	if live, ok := e.backend.(LiveRemoteBackend); ok {
		e.startLiveFeed(rootCtx, sc, live)
	}

	e.logger.Info("sync scope started",
		"scope", key, "tables", len(tables), "restored", len(restored),
		"policy", cfg.ConflictResolution)

	// Anything restored (or already queued) goes out right away when online.
	if e.monitor.Status().IsOnline {
		go e.process(rootCtx, sc)
	}
	return nil
}

// StopSync deactivates a scope: periodic timers are cancelled, the queue is
// persisted, and the single-flight marker is cleared. An in-flight network
// call is allowed to complete and its result is still applied to the
// persisted queue.
func (e *Engine) StopSync(ctx context.Context, tables []string, ownerID, contextID string) error {
	key := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}.Key()

	e.mu.Lock()
	sc, ok := e.scopes[key]
	if ok {
		delete(e.scopes, key)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	e.sched.CancelPrefix(key + "/")
	err := e.persistQueue(ctx, sc)
	e.logger.Info("sync scope stopped", "scope", key)
	return err
}

// QueueLocalOperation appends a local mutation to the owning scope's queue
// and persists it. If the network is online, an immediate drain is triggered;
// otherwise the operation waits for the next resume.
func (e *Engine) QueueLocalOperation(ctx context.Context, table, operation, recordID string, data json.RawMessage, ownerID, contextID string) error {
	switch operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("bisync: unknown operation %q", operation)
	}

	sc := e.scopeForTable(table, ownerID, contextID)
	if sc == nil {
		return fmt.Errorf("bisync: no active sync scope covers table %q for owner %q", table, ownerID)
	}

	op := &SyncOperation{
		ID:        NewOperationID(),
		Table:     table,
		Op:        operation,
		RecordID:  recordID,
		Payload:   data,
		Timestamp: time.Now(),
		Status:    StatusPending,
		OwnerID:   ownerID,
		ContextID: contextID,
	}

	sc.mu.Lock()
	evicted := sc.queue.enqueue(op)
	sc.mu.Unlock()

	if evicted != nil {
		e.logger.Warn("offline queue over capacity, oldest pending operation evicted",
			"scope", sc.key, "evicted", evicted.ID, "table", evicted.Table, "record", evicted.RecordID)
		if e.opts.OnQueueOverflow != nil {
			e.opts.OnQueueOverflow(sc.scope, evicted)
		}
	}

	// Persist after the in-memory enqueue. A persistence failure degrades
	// durability, not availability: the enqueue stands.
	persistErr := e.persistQueue(ctx, sc)

	if e.monitor.Status().IsOnline {
		e.mu.RLock()
		rootCtx := e.ctx
		e.mu.RUnlock()
		if rootCtx != nil {
			go e.process(rootCtx, sc)
		}
	}
	return persistErr
}

// GetSyncStatus returns the on-demand observability projection for a scope.
func (e *Engine) GetSyncStatus(tables []string, ownerID, contextID string) (SyncStatus, error) {
	key := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}.Key()
	e.mu.RLock()
	sc, ok := e.scopes[key]
	e.mu.RUnlock()
	if !ok {
		return SyncStatus{}, fmt.Errorf("bisync: scope %q is not active", key)
	}

	sc.mu.Lock()
	pending, failed := sc.queue.counts(sc.cfg.MaxRetryAttempts)
	conflicted := len(sc.parked)
	lastPull := sc.lastPull
	sc.mu.Unlock()

	return SyncStatus{
		PendingOperations:    pending,
		FailedOperations:     failed,
		ConflictedOperations: conflicted,
		Network:              e.monitor.Status(),
		LastPullTime:         lastPull,
	}, nil
}

// Conflicts returns the parked manual conflicts for a scope.
func (e *Engine) Conflicts(tables []string, ownerID, contextID string) []Conflict {
	key := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}.Key()
	e.mu.RLock()
	sc, ok := e.scopes[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]Conflict, 0, len(sc.parked))
	for _, c := range sc.parked {
		out = append(out, *c)
	}
	return out
}

// ResolveConflict settles a parked manual conflict. keepLocal releases the
// local pending operation for delivery; otherwise the remote version is
// applied and the local operation is failed with a conflict error.
func (e *Engine) ResolveConflict(ctx context.Context, tables []string, ownerID, contextID, table, recordID string, keepLocal bool) error {
	key := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}.Key()
	e.mu.RLock()
	sc, ok := e.scopes[key]
	rootCtx := e.ctx
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bisync: scope %q is not active", key)
	}

	rk := sc.recordKey(table, recordID)
	sc.mu.Lock()
	conflict, ok := sc.parked[rk]
	if !ok {
		sc.mu.Unlock()
		return fmt.Errorf("bisync: no parked conflict for %s", rk)
	}
	delete(sc.parked, rk)
	sc.mu.Unlock()

	if keepLocal {
		if e.monitor.Status().IsOnline && rootCtx != nil {
			go e.process(rootCtx, sc)
		}
		return e.persistQueue(ctx, sc)
	}
	return e.acceptRemote(ctx, sc, conflict.Local, conflict.Remote)
}

// RetryFailedOperations returns every terminally failed operation in the
// scope to pending with a fresh retry budget and triggers a drain when
// online. It reports how many operations were requeued.
func (e *Engine) RetryFailedOperations(ctx context.Context, tables []string, ownerID, contextID string) (int, error) {
	key := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}.Key()
	e.mu.RLock()
	sc, ok := e.scopes[key]
	rootCtx := e.ctx
	e.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("bisync: scope %q is not active", key)
	}

	requeued := 0
	sc.mu.Lock()
	for _, op := range sc.queue.ops {
		if op.Status == StatusFailed && sc.queue.requeueFailed(op) {
			requeued++
		}
	}
	sc.mu.Unlock()
	if requeued == 0 {
		return 0, nil
	}

	e.logger.Info("failed operations requeued", "scope", key, "count", requeued)
	persistErr := e.persistQueue(ctx, sc)
	if e.monitor.Status().IsOnline && rootCtx != nil {
		go e.process(rootCtx, sc)
	}
	return requeued, persistErr
}

// DiscardFailedOperation drops a single failed operation from the queue,
// abandoning its local change. Pending or processing operations cannot be
// discarded.
func (e *Engine) DiscardFailedOperation(ctx context.Context, tables []string, ownerID, contextID, operationID string) error {
	key := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}.Key()
	e.mu.RLock()
	sc, ok := e.scopes[key]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bisync: scope %q is not active", key)
	}

	sc.mu.Lock()
	var target *SyncOperation
	for _, op := range sc.queue.ops {
		if op.ID == operationID {
			target = op
			break
		}
	}
	if target == nil {
		sc.mu.Unlock()
		return fmt.Errorf("bisync: operation %q is not queued", operationID)
	}
	if target.Status != StatusFailed {
		sc.mu.Unlock()
		return fmt.Errorf("bisync: operation %q is %s, only failed operations can be discarded", operationID, target.Status)
	}
	sc.queue.remove(operationID)
	sc.mu.Unlock()

	e.logger.Info("failed operation discarded",
		"scope", key, "operation", operationID, "table", target.Table, "record", target.RecordID)
	return e.persistQueue(ctx, sc)
}

// ClearSyncData stops the scope and purges its persisted queue, watermark and
// parked conflicts.
func (e *Engine) ClearSyncData(ctx context.Context, tables []string, ownerID, contextID string) error {
	key := Scope{Tables: tables, OwnerID: ownerID, ContextID: contextID}.Key()

	e.mu.Lock()
	sc, active := e.scopes[key]
	if active {
		delete(e.scopes, key)
	}
	e.mu.Unlock()

	if active {
		e.sched.CancelPrefix(key + "/")
		sc.mu.Lock()
		sc.queue.restore(nil)
		sc.parked = map[string]*Conflict{}
		sc.deferred = map[string]*RemoteRecord{}
		sc.mu.Unlock()
	}

	if err := e.store.DeleteQueue(ctx, key); err != nil {
		return &PersistenceError{Op: "purge", Err: err}
	}
	if err := e.store.SaveWatermark(ctx, key, 0); err != nil {
		return &PersistenceError{Op: "purge", Err: err}
	}
	e.logger.Info("sync data cleared", "scope", key)
	return nil
}

// resumeAll drains every active scope; fired on the went-online transition.
func (e *Engine) resumeAll() {
	e.mu.RLock()
	rootCtx := e.ctx
	scopes := make([]*syncScope, 0, len(e.scopes))
	for _, sc := range e.scopes {
		scopes = append(scopes, sc)
	}
	e.mu.RUnlock()
	if rootCtx == nil {
		return
	}
	e.logger.Info("network restored, resuming all scopes", "scopes", len(scopes))
	for _, sc := range scopes {
		go e.process(rootCtx, sc)
		go e.pull(rootCtx, sc)
	}
}

func (e *Engine) scopeForTable(table, ownerID, contextID string) *syncScope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sc := range e.scopes {
		if sc.scope.OwnerID == ownerID && sc.scope.ContextID == contextID && sc.scope.HasTable(table) {
			return sc
		}
	}
	return nil
}

// persistQueue writes the scope's queue snapshot to durable storage. Failures
// are surfaced as warnings, never as sync stoppage.
func (e *Engine) persistQueue(ctx context.Context, sc *syncScope) error {
	sc.mu.Lock()
	snapshot := sc.queue.snapshot()
	sc.mu.Unlock()

	if err := e.store.SaveQueue(ctx, sc.key, snapshot); err != nil {
		perr := &PersistenceError{Op: "persist", Err: err}
		e.logger.Warn("queue persistence failed, offline changes may not survive a reload",
			"scope", sc.key, "error", err)
		if e.opts.OnPersistenceWarning != nil {
			e.opts.OnPersistenceWarning(sc.scope, perr)
		}
		return perr
	}
	return nil
}

// activeScope is a test hook returning the internal scope state.
func (e *Engine) activeScope(key string) *syncScope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scopes[key]
}
