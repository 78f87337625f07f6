// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfigFile reads a Config from a YAML/TOML/JSON file, with environment
// variable overrides (prefix SYNC_, e.g. SYNC_MAX_RETRY_ATTEMPTS). Missing
// keys fall back to DefaultConfig values.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("sync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("sync_interval", defaults.SyncInterval)
	v.SetDefault("pull_interval", defaults.PullInterval)
	v.SetDefault("max_retry_attempts", defaults.MaxRetryAttempts)
	v.SetDefault("retry_delay", defaults.RetryDelay)
	v.SetDefault("conflict_resolution", string(defaults.ConflictResolution))
	v.SetDefault("offline_queue_size", defaults.OfflineQueueSize)
	v.SetDefault("network_timeout", defaults.NetworkTimeout)
	v.SetDefault("enable_batching", defaults.EnableBatching)
	v.SetDefault("batch_size", defaults.BatchSize)
	v.SetDefault("batch_timeout", defaults.BatchTimeout)
	v.SetDefault("conflict_ttl", defaults.ConflictTTL)
	v.SetDefault("probe_interval", defaults.ProbeInterval)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read sync config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config %s: %w", path, err)
	}
	return cfg, nil
}
