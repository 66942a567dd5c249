// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/model"
)

type fakeQueueStore struct {
	mu        sync.Mutex
	pending   []*model.QueueEntry
	completed map[string]model.QueueEntryStatus
}

func newFakeQueueStore(entries ...*model.QueueEntry) *fakeQueueStore {
	return &fakeQueueStore{pending: entries, completed: make(map[string]model.QueueEntryStatus)}
}

func (f *fakeQueueStore) Enqueue(ctx context.Context, entry *model.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, entry)
	return nil
}

func (f *fakeQueueStore) Dequeue(ctx context.Context, workerID string) (*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	entry := f.pending[0]
	f.pending = f.pending[1:]
	entry.ClaimedBy = workerID
	return entry, nil
}

func (f *fakeQueueStore) Complete(ctx context.Context, entryID string, status model.QueueEntryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[entryID] = status
	return nil
}

func TestProcessor_DrainOneDispatchesClaimedEntry(t *testing.T) {
	s := newFakeQueueStore(&model.QueueEntry{ID: "e1", JobID: "job-1"})
	var dispatched []string
	p := New(s, "worker-1", func(ctx context.Context, entry *model.QueueEntry) error {
		dispatched = append(dispatched, entry.ID)
		return nil
	})

	drained := p.drainOne(context.Background())
	assert.True(t, drained)
	assert.Equal(t, []string{"e1"}, dispatched)
	assert.Equal(t, model.QueueDone, s.completed["e1"])
}

func TestProcessor_DrainOneReturnsFalseWhenEmpty(t *testing.T) {
	s := newFakeQueueStore()
	p := New(s, "worker-1", func(ctx context.Context, entry *model.QueueEntry) error {
		t.Fatal("dispatch should not be called on an empty queue")
		return nil
	})

	assert.False(t, p.drainOne(context.Background()))
}

func TestProcessor_DrainOneStillCompletesOnDispatchError(t *testing.T) {
	s := newFakeQueueStore(&model.QueueEntry{ID: "e1", JobID: "job-1"})
	p := New(s, "worker-1", func(ctx context.Context, entry *model.QueueEntry) error {
		return errors.New("dispatch blew up")
	})

	drained := p.drainOne(context.Background())
	assert.True(t, drained)
	assert.Equal(t, model.QueueDone, s.completed["e1"])
}

func TestProcessor_RunDrainsUntilCancelled(t *testing.T) {
	s := newFakeQueueStore(
		&model.QueueEntry{ID: "e1", JobID: "job-1"},
		&model.QueueEntry{ID: "e2", JobID: "job-2"},
	)
	p := New(s, "worker-1", func(ctx context.Context, entry *model.QueueEntry) error { return nil })
	p.pollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.completed) == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
