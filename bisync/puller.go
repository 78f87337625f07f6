// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"fmt"
	"time"
)

// deltaQueryTmpl is the incremental-pull statement handed to the opaque query
// boundary, one per table, bound to the scope's durable watermark.
const deltaQueryTmpl = "SELECT * FROM %s WHERE updated_at > $since ORDER BY updated_at ASC"

// pullSafetyLag widens every delta window below the watermark. The watermark
// is shared across a scope's tables and advances to the newest change seen in
// a tick, so a row committed to an early table while a later table's query
// was in flight would otherwise fall below it and never be fetched.
// Re-fetched rows are harmless: applying a delta is idempotent.
const pullSafetyLag = 5 * time.Second

// pull fetches remote records changed since the last successful pull for the
// scope's tables and merges them into the local store. A failed pull is
// logged and retried on the next tick; it never blocks local→remote delivery.
func (e *Engine) pull(ctx context.Context, sc *syncScope) {
	if !e.monitor.Status().IsOnline {
		return
	}

	e.expireParkedConflicts(ctx, sc, time.Now())

	sc.mu.Lock()
	since := sc.watermark
	sc.mu.Unlock()

	maxSeen := since
	for _, table := range sc.scope.Tables {
		callCtx, cancel := context.WithTimeout(ctx, sc.cfg.NetworkTimeout)
		records, err := e.backend.Query(callCtx, fmt.Sprintf(deltaQueryTmpl, table), map[string]any{
			"since": time.Unix(0, since).Add(-pullSafetyLag).UTC(),
		})
		cancel()
		if err != nil {
			e.logger.Warn("incremental pull failed, will retry next tick",
				"scope", sc.key, "table", table, "error", err)
			return
		}
		for i := range records {
			rec := records[i]
			if rec.Table == "" {
				rec.Table = table
			}
			e.applyRemote(ctx, sc, &rec)
			if ts := rec.UpdatedAt.UnixNano(); ts > maxSeen {
				maxSeen = ts
			}
		}
	}

	sc.mu.Lock()
	if maxSeen > sc.watermark {
		sc.watermark = maxSeen
	}
	sc.lastPull = time.Now()
	sc.mu.Unlock()

	if maxSeen > since {
		if err := e.store.SaveWatermark(ctx, sc.key, maxSeen); err != nil {
			e.logger.Warn("failed to persist pull watermark", "scope", sc.key, "error", err)
		}
	}
}

// applyRemote merges one remote record into the local store, deferring to the
// conflict resolver when a local pending operation targets the same record.
// A delta for a record with a currently-processing local operation is parked
// and re-evaluated once that operation settles.
func (e *Engine) applyRemote(ctx context.Context, sc *syncScope, rec *RemoteRecord) {
	rk := sc.recordKey(rec.Table, rec.ID)

	sc.mu.Lock()
	pending := sc.queue.pendingFor(rec.Table, rec.ID, sc.cfg.MaxRetryAttempts)
	if pending == nil {
		sc.mu.Unlock()
		if err := e.applyToLocal(ctx, rec); err != nil {
			e.logger.Warn("failed to apply remote change to local store",
				"scope", sc.key, "table", rec.Table, "record", rec.ID, "error", err)
		}
		return
	}

	if pending.Status == StatusProcessing {
		// Outcome of the in-flight upload is unknown; queue the delta for
		// re-evaluation once the operation settles.
		if prev, ok := sc.deferred[rk]; !ok || rec.UpdatedAt.After(prev.UpdatedAt) {
			sc.deferred[rk] = rec
		}
		sc.mu.Unlock()
		return
	}

	// Re-delivery of a delta already parked for manual resolution must not
	// change the outcome; only a strictly newer remote version refreshes the
	// parked conflict.
	if existing, ok := sc.parked[rk]; ok {
		if rec.UpdatedAt.After(existing.Remote.UpdatedAt) {
			existing.Remote = rec
		}
		sc.mu.Unlock()
		return
	}

	localOp := pending
	resolution := sc.resolver.Resolve(localOp, rec)
	if resolution == Park {
		conflict := &Conflict{Scope: sc.key, Local: localOp, Remote: rec, ParkedAt: time.Now()}
		sc.parked[rk] = conflict
		sc.mu.Unlock()
		e.logger.Info("conflict parked for manual resolution",
			"scope", sc.key, "table", rec.Table, "record", rec.ID)
		if e.opts.OnConflict != nil {
			e.opts.OnConflict(*conflict)
		}
		return
	}
	sc.mu.Unlock()

	switch resolution {
	case KeepLocal:
		e.logger.Debug("conflict resolved, local pending wins",
			"scope", sc.key, "table", rec.Table, "record", rec.ID)
	case AcceptRemote:
		if err := e.acceptRemote(ctx, sc, localOp, rec); err != nil {
			e.logger.Warn("failed to apply winning remote version",
				"scope", sc.key, "table", rec.Table, "record", rec.ID, "error", err)
		}
	}
}

// acceptRemote applies the winning remote version and fails the local pending
// operation with a conflict error. It is idempotent: repeating it leaves the
// operation failed with the same message and the store upsert is an upsert.
func (e *Engine) acceptRemote(ctx context.Context, sc *syncScope, op *SyncOperation, rec *RemoteRecord) error {
	conflictErr := &ConflictError{Table: rec.Table, RecordID: rec.ID, Reason: "remote version won resolution"}

	sc.mu.Lock()
	op.Status = StatusFailed
	op.ErrorMessage = conflictErr.Error()
	op.RetryCount = sc.cfg.MaxRetryAttempts // not retried automatically
	sc.mu.Unlock()
	_ = e.persistQueue(ctx, sc)

	return e.applyToLocal(ctx, rec)
}

func (e *Engine) applyToLocal(ctx context.Context, rec *RemoteRecord) error {
	if rec.Deleted {
		return e.local.ApplyDelete(ctx, rec.Table, rec.ID)
	}
	return e.local.ApplyUpsert(ctx, rec.Table, rec.ID, rec.Data)
}

// settleDeferred re-evaluates deltas that arrived while their record had an
// operation in flight. Called by the processor after every drain.
func (e *Engine) settleDeferred(ctx context.Context, sc *syncScope) {
	sc.mu.Lock()
	if len(sc.deferred) == 0 {
		sc.mu.Unlock()
		return
	}
	deferred := sc.deferred
	sc.deferred = map[string]*RemoteRecord{}
	sc.mu.Unlock()

	for _, rec := range deferred {
		e.applyRemote(ctx, sc, rec)
	}
}

// expireParkedConflicts enforces the manual-resolution TTL: conflicts parked
// longer than ConflictTTL fall back to remote resolution.
func (e *Engine) expireParkedConflicts(ctx context.Context, sc *syncScope, now time.Time) {
	if sc.cfg.ConflictTTL <= 0 {
		return
	}
	var expired []*Conflict
	sc.mu.Lock()
	for rk, c := range sc.parked {
		if now.Sub(c.ParkedAt) >= sc.cfg.ConflictTTL {
			expired = append(expired, c)
			delete(sc.parked, rk)
		}
	}
	sc.mu.Unlock()

	for _, c := range expired {
		e.logger.Warn("parked conflict expired, falling back to remote version",
			"scope", sc.key, "table", c.Remote.Table, "record", c.Remote.ID)
		if err := e.acceptRemote(ctx, sc, c.Local, c.Remote); err != nil {
			e.logger.Warn("failed to apply remote version for expired conflict",
				"scope", sc.key, "record", c.Remote.ID, "error", err)
		}
	}
}

// startLiveFeed consumes a push channel from a live-capable backend and feeds
// deltas through the same apply path as the periodic pull. The subscription
// is re-established with the scope's retry delay until the context ends.
func (e *Engine) startLiveFeed(ctx context.Context, sc *syncScope, live LiveRemoteBackend) {
	e.sched.Run(ctx, sc.key+"/live", func(ctx context.Context) {
		for {
			if ctx.Err() != nil {
				return
			}
			if !e.monitor.Status().IsOnline {
				if sleepWithContext(ctx, sc.cfg.RetryDelay) != nil {
					return
				}
				continue
			}
			feed, err := live.SubscribeChanges(ctx, sc.scope.Tables)
			if err != nil {
				e.logger.Warn("live feed subscription failed, falling back to polling",
					"scope", sc.key, "error", err)
				if sleepWithContext(ctx, sc.cfg.PullInterval) != nil {
					return
				}
				continue
			}
			for rec := range feed {
				r := rec
				e.applyRemote(ctx, sc, &r)
				sc.mu.Lock()
				if ts := r.UpdatedAt.UnixNano(); ts > sc.watermark {
					sc.watermark = ts
				}
				sc.mu.Unlock()
			}
			// Channel closed; resubscribe.
		}
	})
}
