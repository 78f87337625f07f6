// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"fmt"
	"time"
)

// ConflictPolicy selects how a local pending mutation and a remote version of
// the same record are reconciled.
type ConflictPolicy string

const (
	// PolicyLocal keeps the local pending operation; the remote version is
	// discarded for that record until the local operation completes.
	PolicyLocal ConflictPolicy = "local"
	// PolicyRemote accepts the remote version; the local pending operation is
	// marked failed with a conflict error and not retried.
	PolicyRemote ConflictPolicy = "remote"
	// PolicyTimestamp lets the later version win; ties favor local.
	PolicyTimestamp ConflictPolicy = "timestamp"
	// PolicyManual parks both versions for explicit caller resolution.
	PolicyManual ConflictPolicy = "manual"
)

// Config holds the tunables of one sync scope.
type Config struct {
	SyncInterval       time.Duration  `mapstructure:"sync_interval"`       // periodic local→remote drain
	PullInterval       time.Duration  `mapstructure:"pull_interval"`       // periodic remote→local pull
	MaxRetryAttempts   int            `mapstructure:"max_retry_attempts"`  // per-operation retry budget
	RetryDelay         time.Duration  `mapstructure:"retry_delay"`         // linear backoff unit (delay * retryCount)
	ConflictResolution ConflictPolicy `mapstructure:"conflict_resolution"` // local|remote|timestamp|manual
	OfflineQueueSize   int            `mapstructure:"offline_queue_size"`  // cap; oldest pending evicted beyond it
	NetworkTimeout     time.Duration  `mapstructure:"network_timeout"`     // per round-trip deadline
	EnableBatching     bool           `mapstructure:"enable_batching"`
	BatchSize          int            `mapstructure:"batch_size"`
	BatchTimeout       time.Duration  `mapstructure:"batch_timeout"` // inter-batch delay unit on degraded links
	ConflictTTL        time.Duration  `mapstructure:"conflict_ttl"`  // parked manual conflicts fall back to remote after this
	ProbeInterval      time.Duration  `mapstructure:"probe_interval"` // cadence for host-constructed Monitors
}

// DefaultConfig returns the configuration used when a caller starts a scope
// without an explicit one.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:       5 * time.Second,
		PullInterval:       15 * time.Second,
		MaxRetryAttempts:   3,
		RetryDelay:         2 * time.Second,
		ConflictResolution: PolicyTimestamp,
		OfflineQueueSize:   1000,
		NetworkTimeout:     30 * time.Second,
		EnableBatching:     true,
		BatchSize:          50,
		BatchTimeout:       500 * time.Millisecond,
		ConflictTTL:        24 * time.Hour,
		ProbeInterval:      30 * time.Second,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %v", c.SyncInterval)
	}
	if c.PullInterval <= 0 {
		return fmt.Errorf("pull_interval must be positive, got %v", c.PullInterval)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts cannot be negative, got %d", c.MaxRetryAttempts)
	}
	if c.OfflineQueueSize <= 0 {
		return fmt.Errorf("offline_queue_size must be positive, got %d", c.OfflineQueueSize)
	}
	if c.EnableBatching && c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive when batching is enabled, got %d", c.BatchSize)
	}
	switch c.ConflictResolution {
	case PolicyLocal, PolicyRemote, PolicyTimestamp, PolicyManual:
	default:
		return fmt.Errorf("unknown conflict_resolution policy %q", c.ConflictResolution)
	}
	return nil
}

// effectiveBatchSize shrinks the configured batch size as connection quality
// degrades. Quality never gates whether sync runs, only how much is sent per
// round trip.
func (c *Config) effectiveBatchSize(q ConnectionQuality) int {
	if !c.EnableBatching || c.BatchSize <= 1 {
		return 1
	}
	switch q {
	case QualityExcellent, QualityGood:
		return c.BatchSize
	case QualityFair:
		n := c.BatchSize / 2
		if n < 1 {
			n = 1
		}
		return n
	default: // poor or unknown
		return 1
	}
}

// interBatchDelay returns how long the processor waits between batches for the
// given connection quality.
func (c *Config) interBatchDelay(q ConnectionQuality) time.Duration {
	switch q {
	case QualityFair:
		return c.BatchTimeout
	case QualityPoor:
		return 2 * c.BatchTimeout
	default:
		return 0
	}
}
