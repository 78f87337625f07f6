// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"errors"
	"fmt"
)

// NetworkError is a transient transport failure. Operations failing with a
// NetworkError are retried up to the configured policy limit.
type NetworkError struct {
	Op  string // what was being attempted, e.g. "batch upload", "probe"
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteRejectionError is a non-transient remote refusal (validation,
// authorization). It is never retried; the operation is marked failed
// immediately.
type RemoteRejectionError struct {
	Code    int
	Message string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("remote rejected request (code %d): %s", e.Code, e.Message)
}

// ConflictError is raised when manual conflict resolution parks both versions
// for the caller, or when the remote policy discards a local pending change.
type ConflictError struct {
	Table    string
	RecordID string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %s/%s: %s", e.Table, e.RecordID, e.Reason)
}

// PersistenceError degrades durability, not availability: the in-memory queue
// keeps working, but queued changes may not survive a process restart.
type PersistenceError struct {
	Op  string // "persist", "restore", "purge"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("queue persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error should be retried under the retry
// policy. Only transient network failures qualify.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
