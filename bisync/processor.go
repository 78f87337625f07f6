// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// process drains the scope's queue to the remote backend. It is single-flight
// per scope: a second concurrent call is dropped (not queued), since the
// in-flight drain picks up anything newly enqueued on the next periodic run.
func (e *Engine) process(ctx context.Context, sc *syncScope) {
	if !atomic.CompareAndSwapInt32(&sc.inFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&sc.inFlight, 0)

	if !e.monitor.Status().IsOnline {
		return
	}

	now := time.Now()
	sc.mu.Lock()
	ops := sc.queue.drainable(now, sc.cfg.MaxRetryAttempts)
	// Records parked in a manual conflict are held back until the caller
	// resolves them.
	eligible := ops[:0]
	for _, op := range ops {
		if _, parked := sc.parked[sc.recordKey(op.Table, op.RecordID)]; parked {
			continue
		}
		op.Status = StatusProcessing
		eligible = append(eligible, op)
	}
	sc.mu.Unlock()

	if len(eligible) == 0 {
		e.settleDeferred(ctx, sc)
		return
	}
	_ = e.persistQueue(ctx, sc)

	netStatus := e.monitor.Status()
	batchSize := sc.cfg.effectiveBatchSize(netStatus.ConnectionQuality)
	delay := sc.cfg.interBatchDelay(netStatus.ConnectionQuality)

	// Records that fail during this drain block their later operations so
	// per-record delivery order survives retries.
	blocked := map[string]bool{}
	for start := 0; start < len(eligible); start += batchSize {
		end := min(start+batchSize, len(eligible))
		e.deliverWindow(ctx, sc, eligible[start:end], blocked)
		_ = e.persistQueue(ctx, sc)
		if end < len(eligible) && delay > 0 {
			if err := sleepWithContext(ctx, delay); err != nil {
				break
			}
		}
	}

	// Anything skipped (blocked records, cancelled context) goes back to
	// pending so the next drain picks it up.
	reverted := false
	sc.mu.Lock()
	for _, op := range eligible {
		if op.Status == StatusProcessing {
			op.Status = StatusPending
			reverted = true
		}
	}
	sc.mu.Unlock()
	if reverted {
		_ = e.persistQueue(ctx, sc)
	}

	e.settleDeferred(ctx, sc)
	e.scheduleRetry(sc)
}

// deliverWindow sends one batch window. With batching enabled and a batch
// backend available, operations are grouped by table and each group goes out
// as one combined round trip; otherwise they are sent individually.
func (e *Engine) deliverWindow(ctx context.Context, sc *syncScope, window []*SyncOperation, blocked map[string]bool) {
	batcher, canBatch := e.backend.(BatchRemoteBackend)
	if sc.cfg.EnableBatching && len(window) > 1 && canBatch {
		var tables []string
		groups := map[string][]*SyncOperation{}
		for _, op := range window {
			if blocked[sc.recordKey(op.Table, op.RecordID)] {
				continue
			}
			if _, ok := groups[op.Table]; !ok {
				tables = append(tables, op.Table)
			}
			groups[op.Table] = append(groups[op.Table], op)
		}
		for _, table := range tables {
			group := groups[table]
			callCtx, cancel := context.WithTimeout(ctx, sc.cfg.NetworkTimeout)
			results, err := batcher.ApplyBatch(callCtx, table, group)
			cancel()
			if err != nil || len(results) != len(group) {
				if err == nil {
					err = &NetworkError{Op: "batch upload", Err: errShortBatchResponse}
				}
				for _, op := range group {
					e.failOp(sc, op, err, blocked)
				}
				continue
			}
			for i, res := range results {
				if res.Err != nil {
					e.failOp(sc, group[i], res.Err, blocked)
					continue
				}
				e.completeOp(sc, group[i])
			}
		}
		return
	}

	for _, op := range window {
		if blocked[sc.recordKey(op.Table, op.RecordID)] {
			continue
		}
		if err := e.sendSingle(ctx, sc, op); err != nil {
			e.failOp(sc, op, err, blocked)
			continue
		}
		e.completeOp(sc, op)
	}
}

// sendSingle delivers one operation as an individual backend call with the
// configured per-round-trip deadline.
func (e *Engine) sendSingle(ctx context.Context, sc *syncScope, op *SyncOperation) error {
	callCtx, cancel := context.WithTimeout(ctx, sc.cfg.NetworkTimeout)
	defer cancel()

	var err error
	switch op.Op {
	case OpCreate:
		_, err = e.backend.Create(callCtx, op.Table, op.Payload)
	case OpUpdate:
		_, err = e.backend.Update(callCtx, op.Table, op.RecordID, op.Payload)
	case OpDelete:
		err = e.backend.Delete(callCtx, op.Table, op.RecordID)
	}
	return err
}

func (e *Engine) completeOp(sc *syncScope, op *SyncOperation) {
	sc.mu.Lock()
	sc.queue.complete(op)
	sc.mu.Unlock()
	e.logger.Debug("operation delivered", "scope", sc.key, "op", op.ID,
		"table", op.Table, "record", op.RecordID)
}

// failOp records a delivery failure and blocks later operations on the same
// record for the remainder of this drain. Transient failures get a linear
// backoff; rejections are terminal immediately.
func (e *Engine) failOp(sc *syncScope, op *SyncOperation, err error, blocked map[string]bool) {
	retryable := IsRetryable(err) && op.RetryCount < sc.cfg.MaxRetryAttempts

	sc.mu.Lock()
	sc.queue.fail(op, err.Error(), IsRetryable(err), sc.cfg.RetryDelay, time.Now())
	if !IsRetryable(err) {
		// Remote rejections are never retried.
		op.RetryCount = sc.cfg.MaxRetryAttempts
	}
	sc.mu.Unlock()

	blocked[sc.recordKey(op.Table, op.RecordID)] = true
	if retryable && op.RetryCount < sc.cfg.MaxRetryAttempts {
		e.logger.Warn("operation delivery failed, will retry",
			"scope", sc.key, "op", op.ID, "retry", op.RetryCount, "error", err)
	} else {
		e.logger.Error("operation delivery failed permanently",
			"scope", sc.key, "op", op.ID, "table", op.Table, "record", op.RecordID, "error", err)
	}
}

// scheduleRetry arms a one-shot timer for the earliest retryable failure so a
// retry does not have to wait for the next periodic tick.
func (e *Engine) scheduleRetry(sc *syncScope) {
	e.mu.RLock()
	rootCtx := e.ctx
	e.mu.RUnlock()
	if rootCtx == nil {
		return
	}

	var next time.Time
	sc.mu.Lock()
	for _, op := range sc.queue.ops {
		if op.Status == StatusFailed && op.RetryCount < sc.cfg.MaxRetryAttempts {
			if next.IsZero() || op.NextAttempt.Before(next) {
				next = op.NextAttempt
			}
		}
	}
	sc.mu.Unlock()
	if next.IsZero() {
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	e.sched.After(rootCtx, sc.key+"/retry", delay, func(taskCtx context.Context) {
		e.process(taskCtx, sc)
	})
}

var errShortBatchResponse = errors.New("batch response shorter than request")

// sleepWithContext waits for d unless the context ends first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
