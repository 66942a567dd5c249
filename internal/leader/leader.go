// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package leader implements Leader Election (C16): a polling loop that
// attempts to acquire a named advisory lock, starting the singleton
// schedulers it is given while leader and stopping them on loss. cmd/server
// passes the queue processor, the orphan monitor, the approval-timeout
// scanner and the cache-eviction loop; there is no analytics aggregator.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/store"
)

// DefaultPollInterval is how often Elector attempts to (re)acquire its lock.
const DefaultPollInterval = 15 * time.Second

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLeaderLogger()
		log = &l
	})
	return log
}

// Singleton is a function started exactly once while this process is
// leader, and cancelled on loss of leadership.
type Singleton func(ctx context.Context)

// Elector runs the acquisition loop for a single named lock.
type Elector struct {
	name         string
	store        store.Store
	pollInterval time.Duration
	singletons   []Singleton

	mu       sync.Mutex
	isLeader bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New returns an Elector for lockName that starts every singleton on
// acquiring leadership and stops them on loss. pollInterval defaults to
// DefaultPollInterval when zero.
func New(lockName string, s store.Store, pollInterval time.Duration, singletons ...Singleton) *Elector {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Elector{name: lockName, store: s, pollInterval: pollInterval, singletons: singletons}
}

// Run blocks, polling for leadership until ctx is cancelled. On exit, any
// held lock is released and running singletons are stopped.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.tryAcquire(ctx)
	for {
		select {
		case <-ctx.Done():
			e.stepDown(context.Background())
			return
		case <-ticker.C:
			e.tryAcquire(ctx)
		}
	}
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Elector) tryAcquire(ctx context.Context) {
	acquired, err := e.store.AdvisoryLock(ctx, e.name)
	if err != nil {
		getLog().Error().Err(err).Str("lock", e.name).Msg("leader: acquisition attempt failed")
		return
	}

	e.mu.Lock()
	wasLeader := e.isLeader
	e.mu.Unlock()

	if acquired && !wasLeader {
		e.stepUp(ctx)
	} else if !acquired && wasLeader {
		// Connection-scoped lock was lost underneath us.
		e.stepDown(context.Background())
	}
}

func (e *Elector) stepUp(ctx context.Context) {
	e.mu.Lock()
	if e.isLeader {
		e.mu.Unlock()
		return
	}
	singletonCtx, cancel := context.WithCancel(ctx)
	e.isLeader = true
	e.cancel = cancel
	e.mu.Unlock()

	getLog().Info().Str("lock", e.name).Msg("leader: acquired, starting singleton schedulers")
	for _, fn := range e.singletons {
		e.wg.Add(1)
		go func(fn Singleton) {
			defer e.wg.Done()
			fn(singletonCtx)
		}(fn)
	}
}

func (e *Elector) stepDown(ctx context.Context) {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if err := e.store.AdvisoryUnlock(ctx, e.name); err != nil {
		getLog().Error().Err(err).Str("lock", e.name).Msg("leader: release failed")
	}
	getLog().Info().Str("lock", e.name).Msg("leader: stepped down, singleton schedulers stopped")
}
