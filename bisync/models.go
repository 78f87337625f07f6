// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Operation constants for local mutations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Status constants for queued operations
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// SyncOperation represents one pending local mutation waiting for remote delivery.
// An operation is append-only until it reaches a terminal status (completed, or
// failed with retries exhausted); only the owning scope's processor may move it
// through processing.
type SyncOperation struct {
	ID           string          `json:"id"`
	Table        string          `json:"table"`
	Op           string          `json:"operation"`
	RecordID     string          `json:"record_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	RetryCount   int             `json:"retry_count"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	NextAttempt  time.Time       `json:"next_attempt,omitempty"`

	// Denormalized scope fields so a persisted queue can be restored without
	// re-deriving the scope key.
	OwnerID   string `json:"owner_id"`
	ContextID string `json:"context_id,omitempty"`
}

// Terminal reports whether the operation will never be sent again.
func (op *SyncOperation) Terminal(maxRetries int) bool {
	if op.Status == StatusCompleted {
		return true
	}
	return op.Status == StatusFailed && op.RetryCount >= maxRetries
}

// lastOpUnixNano guarantees IDs are generation-ordered even when the clock
// returns the same nanosecond twice (or steps backwards).
var lastOpUnixNano int64

// NewOperationID returns a unique, generation-ordered operation identifier:
// a monotonic nanosecond timestamp plus a random suffix. Used both for
// idempotency on the wire and for FIFO ordering inside a queue.
func NewOperationID() string {
	for {
		prev := atomic.LoadInt64(&lastOpUnixNano)
		now := time.Now().UnixNano()
		if now <= prev {
			now = prev + 1
		}
		if atomic.CompareAndSwapInt64(&lastOpUnixNano, prev, now) {
			return fmt.Sprintf("%020d-%s", now, uuid.New().String()[:8])
		}
	}
}

/// Scope identifies one independent unit of synchronization: a set of tables,
// an owning principal and an optional context (e.g. a case).
type Scope struct {
	Tables    []string
	OwnerID   string
	ContextID string
}

// scopeKeyEscaper keeps the key's delimiters unambiguous when table, owner or
// context values contain them.
var scopeKeyEscaper = strings.NewReplacer("%", "%25", ",", "%2C", "|", "%7C")

// Key returns the canonical composite key for the scope. Table order is not
// significant, so tables are sorted before joining; delimiter characters in
// the parts are escaped so distinct scopes never share a key.
func (s Scope) Key() string {
	tables := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		tables[i] = scopeKeyEscaper.Replace(t)
	}
	sort.Strings(tables)
	key := strings.Join(tables, ",") + "|" + scopeKeyEscaper.Replace(s.OwnerID)
	if s.ContextID != "" {
		key += "|" + scopeKeyEscaper.Replace(s.ContextID)
	}
	return key
}

// HasTable reports whether the table belongs to this scope's sync set.
func (s Scope) HasTable(table string) bool {
	for _, t := range s.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// ConnectionQuality grades the link from round-trip probe latency.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// NetworkStatus is the process-wide connectivity state maintained by the
// Monitor. Scopes read it; only the Monitor writes it.
type NetworkStatus struct {
	IsOnline          bool              `json:"is_online"`
	LastOnlineTime    time.Time         `json:"last_online_time"`
	LastOfflineTime   time.Time         `json:"last_offline_time"`
	ConnectionQuality ConnectionQuality `json:"connection_quality"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
}

// SyncStatus is a read-only projection combining live queue counts with the
// current network state. It is computed on demand and never stored.
type SyncStatus struct {
	PendingOperations    int           `json:"pending_operations"`
	FailedOperations     int           `json:"failed_operations"`
	ConflictedOperations int           `json:"conflicted_operations"`
	Network              NetworkStatus `json:"network"`
	LastPullTime         time.Time     `json:"last_pull_time"`
}

// RemoteRecord is one row returned by the remote backend. The engine only
// interprets the primary key and update timestamp; everything else is opaque
// payload handed to the local store.
type RemoteRecord struct {
	Table     string         `json:"table"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// Conflict is a parked manual-resolution conflict: a local pending operation
// and the remote version of the same record, surfaced to the caller.
type Conflict struct {
	Scope    string         `json:"scope"`
	Local    *SyncOperation `json:"local"`
	Remote   *RemoteRecord  `json:"remote"`
	ParkedAt time.Time      `json:"parked_at"`
}
