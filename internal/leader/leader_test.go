// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/store"
)

// fakeLockStore embeds the full store.Store interface (nil) so it only
// needs to implement the advisory-lock methods Elector actually calls.
// Like gormstore's AdvisoryLock, re-acquiring a lock it already holds
// succeeds; lost simulates the lock having been taken by another holder.
type fakeLockStore struct {
	store.Store

	mu     sync.Mutex
	held   bool
	lost   bool
	locks  int
	unlock int
}

func (f *fakeLockStore) AdvisoryLock(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks++
	if f.lost {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLockStore) AdvisoryUnlock(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlock++
	f.held = false
	return nil
}

func TestElector_AcquiresAndStartsSingletons(t *testing.T) {
	s := &fakeLockStore{}
	var started int32
	singleton := func(ctx context.Context) {
		atomic.AddInt32(&started, 1)
		<-ctx.Done()
	}

	e := New("lock-1", s, time.Millisecond, singleton)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return e.IsLeader() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))

	cancel()
	<-done
	assert.False(t, e.IsLeader())
}

func TestElector_StepsDownWhenLockLostUnderneath(t *testing.T) {
	s := &fakeLockStore{}
	e := New("lock-1", s, time.Millisecond, func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool { return e.IsLeader() }, time.Second, time.Millisecond)

	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()

	require.Eventually(t, func() bool { return !e.IsLeader() }, time.Second, time.Millisecond)
}

func TestElector_AcquisitionErrorLeavesNonLeader(t *testing.T) {
	s := &erroringLockStore{err: errors.New("lock backend unavailable")}
	e := New("lock-1", s, time.Millisecond, func(ctx context.Context) {})

	ctx, cancel := context.WithCancel(context.Background())
	e.tryAcquire(ctx)
	cancel()
	assert.False(t, e.IsLeader())
}

type erroringLockStore struct {
	store.Store
	err error
}

func (e *erroringLockStore) AdvisoryLock(ctx context.Context, name string) (bool, error) {
	return false, e.err
}
