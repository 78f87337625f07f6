// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"encoding/json"
)

// RemoteBackend is the opaque RPC boundary to the remote graph-relational
// store. Implementations must fail fast with a *NetworkError on transport
// loss and a *RemoteRejectionError on validation/authorization refusal.
type RemoteBackend interface {
	// Query executes a read statement with bind variables and returns rows.
	Query(ctx context.Context, statement string, vars map[string]any) ([]RemoteRecord, error)

	Create(ctx context.Context, table string, data json.RawMessage) (*RemoteRecord, error)
	Update(ctx context.Context, table, id string, data json.RawMessage) (*RemoteRecord, error)
	Delete(ctx context.Context, table, id string) error
}

// BatchResult reports the outcome of one sub-statement of a combined request.
type BatchResult struct {
	OperationID string `json:"operation_id"`
	Err         error  `json:"-"`
}

// BatchRemoteBackend is implemented by backends that can execute a sequence
// of create/update/delete sub-statements for one table as a single round
// trip. The processor uses it when batching is enabled; otherwise it falls
// back to individual calls. Results must be returned in request order, one
// per operation.
type BatchRemoteBackend interface {
	ApplyBatch(ctx context.Context, table string, ops []*SyncOperation) ([]BatchResult, error)
}

// LiveRemoteBackend is implemented by backends that can push remote deltas
// over a live channel. The puller consumes the channel in addition to its
// periodic incremental queries; the channel closes when the subscription
// ends.
type LiveRemoteBackend interface {
	SubscribeChanges(ctx context.Context, tables []string) (<-chan RemoteRecord, error)
}

// LocalStore is the host-managed local cache the engine keeps consistent with
// the remote backend. Storage internals are the host's concern; the engine
// only upserts and deletes records by (table, id).
type LocalStore interface {
	ApplyUpsert(ctx context.Context, table, id string, data map[string]any) error
	ApplyDelete(ctx context.Context, table, id string) error
}

// QueueStore is the durable key→blob persistence behind offline queues.
// SaveQueue replaces the whole queue blob for a scope key; LoadQueue returns
// nil when nothing was persisted.
type QueueStore interface {
	SaveQueue(ctx context.Context, scopeKey string, ops []*SyncOperation) error
	LoadQueue(ctx context.Context, scopeKey string) ([]*SyncOperation, error)
	DeleteQueue(ctx context.Context, scopeKey string) error

	// Pull watermarks survive restarts so the incremental puller does not
	// re-fetch the full dataset after a reload.
	SaveWatermark(ctx context.Context, scopeKey string, unixNano int64) error
	LoadWatermark(ctx context.Context, scopeKey string) (int64, error)
}
