// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeOp(table, record string) *SyncOperation {
	return &SyncOperation{
		ID:        NewOperationID(),
		Table:     table,
		Op:        OpUpdate,
		RecordID:  record,
		Timestamp: time.Now(),
		Status:    StatusPending,
	}
}

func TestQueueDrainable_FIFO(t *testing.T) {
	q := newOpQueue(100)
	var ids []string
	for i := 0; i < 5; i++ {
		op := makeOp("claim", fmt.Sprintf("r%d", i))
		ids = append(ids, op.ID)
		q.enqueue(op)
	}

	drained := q.drainable(time.Now(), 3)
	require.Len(t, drained, 5)
	for i, op := range drained {
		require.Equal(t, ids[i], op.ID)
	}
}

func TestQueueDrainable_LaterOpsWaitBehindBackoff(t *testing.T) {
	q := newOpQueue(100)
	now := time.Now()

	first := makeOp("claim", "A")
	q.enqueue(first)
	q.fail(first, "boom", true, time.Minute, now) // backoff pushes NextAttempt out

	second := makeOp("claim", "A")
	q.enqueue(second)
	other := makeOp("claim", "B")
	q.enqueue(other)

	drained := q.drainable(now, 3)
	require.Len(t, drained, 1)
	require.Equal(t, other.ID, drained[0].ID, "only the unrelated record may drain")

	// Once the backoff elapses, both A operations drain in original order.
	drained = q.drainable(now.Add(2*time.Minute), 3)
	require.Len(t, drained, 3)
	require.Equal(t, first.ID, drained[0].ID)
	require.Equal(t, second.ID, drained[1].ID)
}

func TestQueueDrainable_ExhaustedDoesNotBlockRecord(t *testing.T) {
	q := newOpQueue(100)
	now := time.Now()

	first := makeOp("claim", "A")
	q.enqueue(first)
	for i := 0; i < 3; i++ {
		q.fail(first, "boom", true, 0, now)
	}
	require.Equal(t, 3, first.RetryCount)

	second := makeOp("claim", "A")
	q.enqueue(second)

	// The exhausted operation is out of the running; a later edit to the same
	// record must still go out instead of being wedged behind it forever.
	drained := q.drainable(now.Add(time.Hour), 3)
	require.Len(t, drained, 1)
	require.Equal(t, second.ID, drained[0].ID)
}

func TestQueueEnqueue_EvictsOldestPendingBeyondCap(t *testing.T) {
	q := newOpQueue(3)
	ops := make([]*SyncOperation, 4)
	for i := range ops {
		ops[i] = makeOp("claim", fmt.Sprintf("r%d", i))
	}
	for i := 0; i < 3; i++ {
		require.Nil(t, q.enqueue(ops[i]))
	}
	evicted := q.enqueue(ops[3])
	require.NotNil(t, evicted)
	require.Equal(t, ops[0].ID, evicted.ID)
	require.Equal(t, 3, q.len())
}

func TestQueueEnqueue_NeverEvictsProcessingOrFailed(t *testing.T) {
	q := newOpQueue(2)
	a := makeOp("claim", "a")
	b := makeOp("claim", "b")
	q.enqueue(a)
	q.enqueue(b)
	a.Status = StatusProcessing
	b.Status = StatusFailed

	c := makeOp("claim", "c")
	evicted := q.enqueue(c)
	require.Nil(t, evicted, "processing and failed operations are not evictable")
	require.Equal(t, 3, q.len())
}

func TestQueueRequeueFailed_KeepsPosition(t *testing.T) {
	q := newOpQueue(100)
	now := time.Now()

	first := makeOp("claim", "A")
	second := makeOp("claim", "A")
	q.enqueue(first)
	q.enqueue(second)

	q.fail(first, "boom", false, 0, now)
	first.RetryCount = 5 // exhausted

	require.True(t, q.requeueFailed(first))
	require.Equal(t, StatusPending, first.Status)
	require.Zero(t, first.RetryCount, "requeue grants a fresh retry budget")
	require.Empty(t, first.ErrorMessage)

	drained := q.drainable(now, 10)
	require.Len(t, drained, 2)
	require.Equal(t, first.ID, drained[0].ID, "requeued op keeps its original position")
}

func TestQueueCounts(t *testing.T) {
	q := newOpQueue(100)
	now := time.Now()

	pending := makeOp("claim", "a")
	processing := makeOp("claim", "b")
	retryable := makeOp("claim", "c")
	exhausted := makeOp("claim", "d")
	for _, op := range []*SyncOperation{pending, processing, retryable, exhausted} {
		q.enqueue(op)
	}
	processing.Status = StatusProcessing
	q.fail(retryable, "transient", true, 0, now)
	q.fail(exhausted, "fatal", true, 0, now)
	exhausted.RetryCount = 3

	p, f := q.counts(3)
	require.Equal(t, 3, p, "pending includes processing and retryable failed")
	require.Equal(t, 1, f, "failed counts only exhausted operations")
}

func TestQueueRestore_DemotesProcessing(t *testing.T) {
	q := newOpQueue(100)
	crashed := makeOp("claim", "a")
	crashed.Status = StatusProcessing
	q.restore([]*SyncOperation{crashed})

	drained := q.drainable(time.Now(), 3)
	require.Len(t, drained, 1, "operations stranded in processing by a crash drain again")
}
