// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"time"
)

// opQueue is the in-memory, scope-keyed mutation log. It is only ever mutated
// under the owning scope's mutex (enqueue races with drain are resolved by a
// single writer at a time), and it keeps strict FIFO insertion order so that
// operations on the same record are never reordered.
type opQueue struct {
	ops []*SyncOperation
	cap int
}

func newOpQueue(capacity int) *opQueue {
	return &opQueue{cap: capacity}
}

// enqueue appends op. When the queue exceeds its cap, the oldest still-pending
// operation is evicted and returned so the caller can escalate the data-loss
// risk; processing and failed operations are never evicted silently.
func (q *opQueue) enqueue(op *SyncOperation) (evicted *SyncOperation) {
	q.ops = append(q.ops, op)
	if len(q.ops) <= q.cap {
		return nil
	}
	for i, candidate := range q.ops {
		if candidate.Status == StatusPending && candidate != op {
			evicted = candidate
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return evicted
		}
	}
	return nil
}

// restore replaces the queue contents with a persisted snapshot. Operations
// left in processing by a crash are demoted back to pending and delivered
// again: delivery is at-least-once, and only combined uploads carry an
// operation ID the remote can deduplicate on.
func (q *opQueue) restore(ops []*SyncOperation) {
	q.ops = append([]*SyncOperation(nil), ops...)
	for _, op := range q.ops {
		if op.Status == StatusProcessing {
			op.Status = StatusPending
		}
	}
}

// drainable returns, in FIFO order, every operation eligible for delivery:
// pending, or failed with retry budget left and its backoff elapsed. Later
// operations for a record are held back while an earlier one is still
// retryable or in flight, so delivery order per record is preserved across
// retries. Terminally failed operations stay in the queue for inspection but
// never gate later edits to their record.
func (q *opQueue) drainable(now time.Time, maxRetries int) []*SyncOperation {
	var out []*SyncOperation
	blocked := map[string]bool{}
	for _, op := range q.ops {
		key := op.Table + "/" + op.RecordID
		if blocked[key] {
			continue
		}
		if op.Terminal(maxRetries) {
			continue
		}
		if !q.eligible(op, now, maxRetries) {
			blocked[key] = true
			continue
		}
		out = append(out, op)
	}
	return out
}

func (q *opQueue) eligible(op *SyncOperation, now time.Time, maxRetries int) bool {
	switch op.Status {
	case StatusPending:
		return !op.NextAttempt.After(now)
	case StatusFailed:
		return op.RetryCount < maxRetries && !op.NextAttempt.After(now)
	default:
		return false
	}
}

// pendingFor returns the earliest non-terminal operation targeting the record,
// or nil. Used by the puller to detect local/remote collisions; operations
// that already lost (conflict, exhausted retries) no longer contest remote
// changes.
func (q *opQueue) pendingFor(table, recordID string, maxRetries int) *SyncOperation {
	for _, op := range q.ops {
		if op.Table == table && op.RecordID == recordID && !op.Terminal(maxRetries) {
			return op
		}
	}
	return nil
}

// complete evicts a delivered operation from the queue.
func (q *opQueue) complete(op *SyncOperation) {
	op.Status = StatusCompleted
	op.ErrorMessage = ""
	for i, candidate := range q.ops {
		if candidate.ID == op.ID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

// fail records a delivery failure. Retryable failures get a linear backoff
// (retryDelay * retryCount); terminal ones stay in the queue as failed so
// they remain queryable and persisted until the caller clears them.
func (q *opQueue) fail(op *SyncOperation, errMsg string, retryable bool, retryDelay time.Duration, now time.Time) {
	op.Status = StatusFailed
	op.ErrorMessage = errMsg
	if retryable {
		op.RetryCount++
		op.NextAttempt = now.Add(retryDelay * time.Duration(op.RetryCount))
	}
}

// requeueFailed returns a failed operation to pending with a fresh retry
// budget. The operation keeps its original queue position, so later
// operations on the same record wait behind it again.
func (q *opQueue) requeueFailed(op *SyncOperation) bool {
	for _, candidate := range q.ops {
		if candidate.ID == op.ID && candidate.Status == StatusFailed {
			candidate.Status = StatusPending
			candidate.RetryCount = 0
			candidate.ErrorMessage = ""
			candidate.NextAttempt = time.Time{}
			return true
		}
	}
	return false
}

// remove drops an operation regardless of status (dead-letter discard path).
func (q *opQueue) remove(id string) {
	for i, candidate := range q.ops {
		if candidate.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

// counts returns live totals for the SyncStatus projection. Processing
// operations still count as pending: they have not reached a terminal state.
func (q *opQueue) counts(maxRetries int) (pending, failed int) {
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending, StatusProcessing:
			pending++
		case StatusFailed:
			if op.RetryCount < maxRetries {
				pending++
			} else {
				failed++
			}
		}
	}
	return pending, failed
}

// snapshot copies the queue for persistence.
func (q *opQueue) snapshot() []*SyncOperation {
	out := make([]*SyncOperation, len(q.ops))
	for i, op := range q.ops {
		cp := *op
		out[i] = &cp
	}
	return out
}

func (q *opQueue) len() int { return len(q.ops) }
