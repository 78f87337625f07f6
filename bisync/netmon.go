// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// offlineAfterFailures is how many consecutive probe failures demote the
// monitor from online to offline when no platform signal arrived first.
const offlineAfterFailures = 3

// Prober issues one lightweight round trip and reports its latency.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber probes a URL with a HEAD request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "probe", Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return 0, &NetworkError{Op: "probe", Err: fmt.Errorf("probe returned status %d", resp.StatusCode)}
	}
	return time.Since(start), nil
}

// ClassifyLatency grades a round-trip latency into a connection quality.
func ClassifyLatency(d time.Duration) ConnectionQuality {
	switch {
	case d < 100*time.Millisecond:
		return QualityExcellent
	case d < 300*time.Millisecond:
		return QualityGood
	case d < 1000*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Monitor maintains the process-wide NetworkStatus and emits went-online /
// went-offline transitions. It is the only writer of the status; scopes read
// it through Status(). Its lifecycle is tied to the application: Start once,
// no explicit teardown beyond context cancellation.
type Monitor struct {
	mu        sync.RWMutex
	status    NetworkStatus
	onOnline  []func()
	onOffline []func()

	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	probeFailures int
}

// NewMonitor creates a monitor seeded from the platform's connectivity
// signal. A nil prober disables quality grading (quality stays poor while
// offline and good once online).
func NewMonitor(prober Prober, interval time.Duration, initiallyOnline bool, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
	}
	m.status.ConnectionQuality = QualityPoor
	now := time.Now()
	if initiallyOnline {
		m.status.IsOnline = true
		m.status.LastOnlineTime = now
		m.status.ConnectionQuality = QualityGood
	} else {
		m.status.LastOfflineTime = now
	}
	return m
}

// Status returns a copy of the current network state.
func (m *Monitor) Status() NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// OnWentOnline registers a callback fired on every offline→online transition.
// The engine uses it to resume all active scopes without waiting for the next
// periodic tick.
func (m *Monitor) OnWentOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// OnWentOffline registers a callback fired on every online→offline transition.
func (m *Monitor) OnWentOffline(fn func()) {
	m.mu.Lock()
	m.onOffline = append(m.onOffline, fn)
	m.mu.Unlock()
}

// SetOnline feeds an external platform connectivity signal into the monitor.
func (m *Monitor) SetOnline(online bool) {
	if online {
		m.transitionOnline(QualityGood)
	} else {
		m.transitionOffline()
	}
}

// Start runs the periodic probe loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.probeLoop(ctx)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce issues a single probe and folds the result into the status.
// Exposed so hosts with their own cadence (or tests) can drive the monitor.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	if m.prober == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	latency, err := m.prober.Probe(probeCtx)
	cancel()

	if err != nil {
		m.mu.Lock()
		online := m.status.IsOnline
		if online {
			// A failed probe degrades quality but does not flip the monitor
			// offline until several fail in a row.
			m.status.ConnectionQuality = QualityPoor
			m.probeFailures++
			failures := m.probeFailures
			flip := failures >= offlineAfterFailures
			m.mu.Unlock()
			m.logger.Warn("connectivity probe failed", "error", err, "consecutive", failures)
			if flip {
				m.transitionOffline()
			}
		} else {
			m.status.ReconnectAttempts++
			m.mu.Unlock()
		}
		return
	}

	quality := ClassifyLatency(latency)
	m.mu.Lock()
	wasOnline := m.status.IsOnline
	m.probeFailures = 0
	m.mu.Unlock()
	if !wasOnline {
		m.transitionOnline(quality)
		return
	}
	m.mu.Lock()
	m.status.ConnectionQuality = quality
	m.mu.Unlock()
}

func (m *Monitor) transitionOnline(quality ConnectionQuality) {
	m.mu.Lock()
	if m.status.IsOnline {
		m.status.ConnectionQuality = quality
		m.mu.Unlock()
		return
	}
	m.status.IsOnline = true
	m.status.LastOnlineTime = time.Now()
	m.status.ConnectionQuality = quality
	m.status.ReconnectAttempts = 0
	m.probeFailures = 0
	callbacks := append([]func(){}, m.onOnline...)
	m.mu.Unlock()

	m.logger.Info("network went online", "quality", quality)
	for _, fn := range callbacks {
		fn()
	}
}

func (m *Monitor) transitionOffline() {
	m.mu.Lock()
	if !m.status.IsOnline {
		m.mu.Unlock()
		return
	}
	m.status.IsOnline = false
	m.status.LastOfflineTime = time.Now()
	m.status.ConnectionQuality = QualityPoor
	callbacks := append([]func(){}, m.onOffline...)
	m.mu.Unlock()

	m.logger.Info("network went offline")
	for _, fn := range callbacks {
		fn()
	}
}
