// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bisync

import (
	"context"
	"sync"
	"time"
)

// scheduler owns the repeating per-scope tasks (periodic drain, periodic
// pull). Each task is a goroutine with its own ticker; Cancel stops one task,
// Stop stops them all. Retries are always scheduled here or via timers, never
// with tight loops.
type scheduler struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func newScheduler() *scheduler {
	return &scheduler{tasks: map[string]context.CancelFunc{}}
}

// Register runs fn every interval until Cancel(key) or context cancellation.
// Registering an existing key replaces the previous task.
func (s *scheduler) Register(ctx context.Context, key string, interval time.Duration, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.tasks[key]; ok {
		prev()
	}
	s.tasks[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				fn(taskCtx)
			}
		}
	}()
}

// Run executes a long-lived fn under a cancellable context tracked by key
// (live feed consumption). fn must return when its context ends.
func (s *scheduler) Run(ctx context.Context, key string, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.tasks[key]; ok {
		prev()
	}
	s.tasks[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(taskCtx)
	}()
}

// After fires fn once after delay unless the key is cancelled first. Used for
// per-operation retry backoff.
func (s *scheduler) After(ctx context.Context, key string, delay time.Duration, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.tasks[key]; ok {
		prev()
	}
	s.tasks[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-taskCtx.Done():
		case <-timer.C:
			fn(taskCtx)
		}
	}()
}

// Cancel stops the task registered under key, if any.
func (s *scheduler) Cancel(key string) {
	s.mu.Lock()
	if cancel, ok := s.tasks[key]; ok {
		cancel()
		delete(s.tasks, key)
	}
	s.mu.Unlock()
}

// CancelPrefix stops every task whose key starts with prefix (one scope's
// timers share the scope key as prefix).
func (s *scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	for key, cancel := range s.tasks {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			cancel()
			delete(s.tasks, key)
		}
	}
	s.mu.Unlock()
}

// Stop cancels every task and waits for the goroutines to drain.
func (s *scheduler) Stop() {
	s.mu.Lock()
	for key, cancel := range s.tasks {
		cancel()
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
