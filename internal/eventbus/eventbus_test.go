// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/model"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events []*model.BuildEvent
	failAppend bool
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev *model.BuildEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend {
		return assertErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEventStore) Replay(ctx context.Context, buildID string, afterEventID model.EventID, limit int) ([]*model.BuildEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.BuildEvent
	past := afterEventID == ""
	for _, ev := range f.events {
		if ev.BuildID != buildID {
			continue
		}
		if !past {
			if ev.EventID == afterEventID {
				past = true
			}
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var assertErr = assertError("durable append failed")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestPublish_DeliversToLiveSubscriber(t *testing.T) {
	store := &fakeEventStore{}
	bus := New(store)

	sub := bus.Subscribe("build-1")
	defer sub.Close()

	err := bus.Publish(context.Background(), &model.BuildEvent{BuildID: "build-1", Kind: model.EventStepLog})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, model.EventStepLog, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_AssignsEventIDWhenMissing(t *testing.T) {
	store := &fakeEventStore{}
	bus := New(store)

	ev := &model.BuildEvent{BuildID: "build-1", Kind: model.EventBuildStarted}
	require.NoError(t, bus.Publish(context.Background(), ev))
	assert.NotEmpty(t, ev.EventID)
}

func TestPublish_PersistsEvenWhenNoSubscribers(t *testing.T) {
	store := &fakeEventStore{}
	bus := New(store)

	require.NoError(t, bus.Publish(context.Background(), &model.BuildEvent{BuildID: "build-1", Kind: model.EventStageStarted}))
	replayed, err := bus.Replay(context.Background(), "build-1", "", 0)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
}

func TestPublish_SucceedsDespiteDurableFailure(t *testing.T) {
	store := &fakeEventStore{failAppend: true}
	bus := New(store)
	sub := bus.Subscribe("build-1")
	defer sub.Close()

	err := bus.Publish(context.Background(), &model.BuildEvent{BuildID: "build-1", Kind: model.EventStepLog})
	assert.NoError(t, err)

	select {
	case <-sub.Events:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event despite durable failure")
	}
}

func TestPublish_NonCriticalDroppedWhenWindowFull(t *testing.T) {
	store := &fakeEventStore{}
	bus := New(store)
	sub := bus.Subscribe("build-1")
	defer sub.Close()

	for i := 0; i < subscriberWindow+10; i++ {
		require.NoError(t, bus.Publish(context.Background(), &model.BuildEvent{BuildID: "build-1", Kind: model.EventStepLog}))
	}
	assert.Equal(t, subscriberWindow, len(sub.Events), "events beyond the window must be dropped")
	assert.False(t, sub.Degraded())
}

func TestSubscription_CloseRemovesSubscriber(t *testing.T) {
	store := &fakeEventStore{}
	bus := New(store)
	sub := bus.Subscribe("build-1")

	bus.mu.Lock()
	_, ok := bus.subs["build-1"][sub.sub]
	bus.mu.Unlock()
	require.True(t, ok)

	sub.Close()

	bus.mu.Lock()
	_, stillThere := bus.subs["build-1"]
	bus.mu.Unlock()
	assert.False(t, stillThere)
}

func TestReplay_FiltersByBuildAndAfterEventID(t *testing.T) {
	store := &fakeEventStore{}
	bus := New(store)

	first := &model.BuildEvent{BuildID: "build-1", Kind: model.EventBuildStarted}
	require.NoError(t, bus.Publish(context.Background(), first))
	second := &model.BuildEvent{BuildID: "build-1", Kind: model.EventBuildCompleted}
	require.NoError(t, bus.Publish(context.Background(), second))
	require.NoError(t, bus.Publish(context.Background(), &model.BuildEvent{BuildID: "build-2", Kind: model.EventBuildStarted}))

	replayed, err := bus.Replay(context.Background(), "build-1", first.EventID, 0)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, second.EventID, replayed[0].EventID)
}
