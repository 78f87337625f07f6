// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func remoteRow(table, id string, updatedAt time.Time, data map[string]any) RemoteRecord {
	return RemoteRecord{Table: table, ID: id, Data: data, UpdatedAt: updatedAt}
}

func TestPullAppliesRemoteChanges(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	now := time.Now()
	te.backend.mu.Lock()
	te.backend.deltas["cases"] = []RemoteRecord{
		remoteRow("cases", "c1", now.Add(-time.Minute), map[string]any{"title": "older"}),
		remoteRow("cases", "c2", now, map[string]any{"title": "newer"}),
	}
	te.backend.mu.Unlock()

	te.engine.pull(context.Background(), sc)

	row, ok := te.local.get("cases", "c1")
	require.True(t, ok)
	require.Equal(t, "older", row["title"])
	_, ok = te.local.get("cases", "c2")
	require.True(t, ok)

	// The watermark advances to the newest applied change and is persisted.
	sc.mu.Lock()
	require.Equal(t, now.UnixNano(), sc.watermark)
	require.False(t, sc.lastPull.IsZero())
	sc.mu.Unlock()
	saved, err := te.store.LoadWatermark(context.Background(), sc.key)
	require.NoError(t, err)
	require.Equal(t, now.UnixNano(), saved)
}

func TestPullAppliesRemoteDelete(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")
	require.NoError(t, te.local.ApplyUpsert(context.Background(), "cases", "c1", map[string]any{"title": "doomed"}))

	te.backend.mu.Lock()
	te.backend.deltas["cases"] = []RemoteRecord{
		{Table: "cases", ID: "c1", UpdatedAt: time.Now(), Deleted: true},
	}
	te.backend.mu.Unlock()

	te.engine.pull(context.Background(), sc)

	_, ok := te.local.get("cases", "c1")
	require.False(t, ok)
}

func TestPullFailureKeepsWatermark(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")
	sc.mu.Lock()
	sc.watermark = 42
	sc.mu.Unlock()

	te.backend.mu.Lock()
	te.backend.queryErr = &NetworkError{Op: "query", Err: errors.New("gateway timeout")}
	te.backend.mu.Unlock()

	te.engine.pull(context.Background(), sc)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	require.Equal(t, int64(42), sc.watermark)
}

func TestPullSkipsWhileOffline(t *testing.T) {
	te := newTestEngine(t, false, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	te.backend.mu.Lock()
	te.backend.deltas["cases"] = []RemoteRecord{remoteRow("cases", "c1", time.Now(), nil)}
	te.backend.mu.Unlock()

	te.engine.pull(context.Background(), sc)

	require.Zero(t, te.backend.callCount())
	_, ok := te.local.get("cases", "c1")
	require.False(t, ok)
}

func TestDeltaDeferredWhileOperationInFlight(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	sc.mu.Lock()
	op.Status = StatusProcessing
	sc.mu.Unlock()

	rec := remoteRow("cases", "c1", time.Now(), map[string]any{"rev": 99})
	te.engine.applyRemote(context.Background(), sc, &rec)

	// Neither applied nor resolved while the upload outcome is unknown.
	_, ok := te.local.get("cases", "c1")
	require.False(t, ok)
	sc.mu.Lock()
	require.Len(t, sc.deferred, 1)
	sc.mu.Unlock()

	// Once the operation settles the deferred delta goes through the normal
	// apply path.
	sc.mu.Lock()
	sc.queue.complete(op)
	sc.mu.Unlock()
	te.engine.settleDeferred(context.Background(), sc)

	row, ok := te.local.get("cases", "c1")
	require.True(t, ok)
	require.Equal(t, 99, row["rev"])
	sc.mu.Lock()
	require.Empty(t, sc.deferred)
	sc.mu.Unlock()
}

func TestDeferredKeepsLatestDelta(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", nil)
	sc.mu.Lock()
	op.Status = StatusProcessing
	sc.mu.Unlock()

	now := time.Now()
	older := remoteRow("cases", "c1", now.Add(-time.Second), map[string]any{"rev": 1})
	newer := remoteRow("cases", "c1", now, map[string]any{"rev": 2})
	te.engine.applyRemote(context.Background(), sc, &newer)
	te.engine.applyRemote(context.Background(), sc, &older)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	require.Len(t, sc.deferred, 1)
	require.Equal(t, 2, sc.deferred[sc.recordKey("cases", "c1")].Data["rev"])
}

func TestTimestampPolicyRemoteWins(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	rec := remoteRow("cases", "c1", op.Timestamp.Add(time.Second), map[string]any{"rev": 2})

	te.engine.applyRemote(context.Background(), sc, &rec)

	row, ok := te.local.get("cases", "c1")
	require.True(t, ok)
	require.Equal(t, 2, row["rev"])

	// The losing local operation is failed with a conflict error and never
	// sent.
	require.Equal(t, StatusFailed, op.Status)
	require.Contains(t, op.ErrorMessage, "conflict")
	status, err := te.engine.GetSyncStatus([]string{"cases"}, "owner-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, status.FailedOperations)

	te.engine.process(context.Background(), sc)
	require.Zero(t, te.backend.callCount())
}

func TestTimestampPolicyLocalWins(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	rec := remoteRow("cases", "c1", op.Timestamp.Add(-time.Second), map[string]any{"rev": 0})

	te.engine.applyRemote(context.Background(), sc, &rec)

	// The stale remote version is discarded and the local operation still
	// goes out.
	_, ok := te.local.get("cases", "c1")
	require.False(t, ok)
	require.Equal(t, StatusPending, op.Status)

	te.engine.process(context.Background(), sc)
	data, ok := te.backend.stored("cases", "c1")
	require.True(t, ok)
	require.JSONEq(t, `{"rev":1}`, string(data))
}

func TestLostConflictDoesNotWedgeRecord(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	rec := remoteRow("cases", "c1", op.Timestamp.Add(time.Second), map[string]any{"rev": 2})
	te.engine.applyRemote(context.Background(), sc, &rec)
	require.Equal(t, StatusFailed, op.Status)

	// A re-delivered newer remote version applies directly; the lost
	// operation no longer contests remote changes.
	newer := remoteRow("cases", "c1", op.Timestamp.Add(2*time.Second), map[string]any{"rev": 3})
	te.engine.applyRemote(context.Background(), sc, &newer)
	row, ok := te.local.get("cases", "c1")
	require.True(t, ok)
	require.Equal(t, 3, row["rev"])

	// And a later local edit to the record still goes out instead of waiting
	// behind the lost operation forever.
	enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 4}))
	te.engine.process(context.Background(), sc)

	data, ok := te.backend.stored("cases", "c1")
	require.True(t, ok)
	require.JSONEq(t, `{"rev":4}`, string(data))

	// The lost operation itself stays queryable as failed.
	status, err := te.engine.GetSyncStatus([]string{"cases"}, "owner-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, status.FailedOperations)
	require.Zero(t, status.PendingOperations)
}

func TestPullQueriesBehindWatermark(t *testing.T) {
	te := newTestEngine(t, true, nil)
	sc := startScope(t, te, manualConfig(), "cases")

	mark := time.Now().Add(-time.Minute)
	sc.mu.Lock()
	sc.watermark = mark.UnixNano()
	sc.mu.Unlock()

	te.engine.pull(context.Background(), sc)

	// The delta window opens before the watermark so rows committed to one
	// table while another table's query was in flight are still fetched.
	te.backend.mu.Lock()
	since, ok := te.backend.lastVars["since"].(time.Time)
	te.backend.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, mark.Add(-pullSafetyLag).UnixNano(), since.UnixNano())

	// An empty pull never regresses the watermark.
	sc.mu.Lock()
	defer sc.mu.Unlock()
	require.Equal(t, mark.UnixNano(), sc.watermark)
}

func TestManualPolicyParksConflict(t *testing.T) {
	var gotConflict Conflict
	te := newTestEngine(t, true, func(o *Options) {
		o.OnConflict = func(c Conflict) { gotConflict = c }
	})
	cfg := manualConfig()
	cfg.ConflictResolution = PolicyManual
	sc := startScope(t, te, cfg, "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	now := time.Now()
	rec := remoteRow("cases", "c1", now, map[string]any{"rev": 2})

	te.engine.applyRemote(context.Background(), sc, &rec)

	// Neither side is applied; both versions are surfaced.
	_, ok := te.local.get("cases", "c1")
	require.False(t, ok)
	require.Equal(t, op.ID, gotConflict.Local.ID)

	conflicts := te.engine.Conflicts([]string{"cases"}, "owner-1", "")
	require.Len(t, conflicts, 1)
	status, err := te.engine.GetSyncStatus([]string{"cases"}, "owner-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, status.ConflictedOperations)

	// The parked record is excluded from drains until resolved.
	te.engine.process(context.Background(), sc)
	require.Zero(t, te.backend.callCount())

	// A duplicate delivery of the same delta cannot flip the outcome.
	dup := rec
	te.engine.applyRemote(context.Background(), sc, &dup)
	require.Len(t, te.engine.Conflicts([]string{"cases"}, "owner-1", ""), 1)

	// A strictly newer remote version refreshes the parked remote side.
	newer := remoteRow("cases", "c1", now.Add(time.Second), map[string]any{"rev": 3})
	te.engine.applyRemote(context.Background(), sc, &newer)
	conflicts = te.engine.Conflicts([]string{"cases"}, "owner-1", "")
	require.Len(t, conflicts, 1)
	require.Equal(t, 3, conflicts[0].Remote.Data["rev"])
}

func TestResolveConflictKeepLocal(t *testing.T) {
	te := newTestEngine(t, true, nil)
	cfg := manualConfig()
	cfg.ConflictResolution = PolicyManual
	sc := startScope(t, te, cfg, "cases")

	enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	rec := remoteRow("cases", "c1", time.Now(), map[string]any{"rev": 2})
	te.engine.applyRemote(context.Background(), sc, &rec)

	require.NoError(t, te.engine.ResolveConflict(context.Background(),
		[]string{"cases"}, "owner-1", "", "cases", "c1", true))

	require.Eventually(t, func() bool {
		data, ok := te.backend.stored("cases", "c1")
		return ok && string(data) == `{"rev":1}`
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, te.engine.Conflicts([]string{"cases"}, "owner-1", ""))
}

func TestResolveConflictAcceptRemote(t *testing.T) {
	te := newTestEngine(t, true, nil)
	cfg := manualConfig()
	cfg.ConflictResolution = PolicyManual
	sc := startScope(t, te, cfg, "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	rec := remoteRow("cases", "c1", time.Now(), map[string]any{"rev": 2})
	te.engine.applyRemote(context.Background(), sc, &rec)

	require.NoError(t, te.engine.ResolveConflict(context.Background(),
		[]string{"cases"}, "owner-1", "", "cases", "c1", false))

	row, ok := te.local.get("cases", "c1")
	require.True(t, ok)
	require.Equal(t, 2, row["rev"])
	require.Equal(t, StatusFailed, op.Status)
	require.Zero(t, te.backend.callCount())
}

func TestResolveConflictUnknownRecord(t *testing.T) {
	te := newTestEngine(t, true, nil)
	startScope(t, te, manualConfig(), "cases")
	err := te.engine.ResolveConflict(context.Background(),
		[]string{"cases"}, "owner-1", "", "cases", "nope", true)
	require.Error(t, err)
}

func TestParkedConflictExpiresToRemote(t *testing.T) {
	te := newTestEngine(t, true, nil)
	cfg := manualConfig()
	cfg.ConflictResolution = PolicyManual
	cfg.ConflictTTL = time.Hour
	sc := startScope(t, te, cfg, "cases")

	op := enqueueOp(sc, "cases", OpUpdate, "c1", mustJSON(t, map[string]any{"rev": 1}))
	rec := remoteRow("cases", "c1", time.Now(), map[string]any{"rev": 2})
	te.engine.applyRemote(context.Background(), sc, &rec)
	require.Len(t, te.engine.Conflicts([]string{"cases"}, "owner-1", ""), 1)

	// Before the TTL nothing changes.
	te.engine.expireParkedConflicts(context.Background(), sc, time.Now().Add(30*time.Minute))
	require.Len(t, te.engine.Conflicts([]string{"cases"}, "owner-1", ""), 1)

	// Past the TTL the remote version wins.
	te.engine.expireParkedConflicts(context.Background(), sc, time.Now().Add(2*time.Hour))
	require.Empty(t, te.engine.Conflicts([]string{"cases"}, "owner-1", ""))
	row, ok := te.local.get("cases", "c1")
	require.True(t, ok)
	require.Equal(t, 2, row["rev"])
	require.Equal(t, StatusFailed, op.Status)
}
