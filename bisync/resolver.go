// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

// Resolution is the outcome of a conflict between a local pending operation
// and a remote version of the same record.
type Resolution int

const (
	// KeepLocal discards the remote version for this record until the local
	// pending operation completes.
	KeepLocal Resolution = iota
	// AcceptRemote applies the remote version and fails the local pending
	// operation with a conflict error (not retried automatically).
	AcceptRemote
	// Park applies neither side; both versions are surfaced to the caller as
	// a conflict record for explicit resolution.
	Park
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep-local"
	case AcceptRemote:
		return "accept-remote"
	case Park:
		return "park"
	}
	return "unknown"
}

// Resolver decides the winning version when a local pending mutation and an
// incoming remote version target the same record. Implementations must be
// deterministic: resolving the same pair twice yields the same outcome, so a
// duplicate delta delivery cannot flip a decision.
type Resolver interface {
	Resolve(local *SyncOperation, remote *RemoteRecord) Resolution
}

// PolicyResolver implements the four built-in policies.
type PolicyResolver struct {
	Policy ConflictPolicy
}

func NewPolicyResolver(policy ConflictPolicy) *PolicyResolver {
	return &PolicyResolver{Policy: policy}
}

func (r *PolicyResolver) Resolve(local *SyncOperation, remote *RemoteRecord) Resolution {
	switch r.Policy {
	case PolicyLocal:
		return KeepLocal
	case PolicyRemote:
		return AcceptRemote
	case PolicyManual:
		return Park
	case PolicyTimestamp:
		// Later timestamp wins; ties favor local.
		if remote.UpdatedAt.After(local.Timestamp) {
			return AcceptRemote
		}
		return KeepLocal
	default:
		return KeepLocal
	}
}
