// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/agentregistry"
	"github.com/forgecore/forgecore/internal/breaker"
	"github.com/forgecore/forgecore/internal/config"
	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
)

type fakeAgentStore struct {
	mu     sync.Mutex
	agents map[string]*model.Agent
}

func newFakeStore() *fakeAgentStore {
	return &fakeAgentStore{agents: make(map[string]*model.Agent)}
}

func (f *fakeAgentStore) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agent.ID] = agent
	return nil
}

func (f *fakeAgentStore) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return a, nil
}

func (f *fakeAgentStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Agent
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAgentStore) UpdateHeartbeat(ctx context.Context, agentID string, currentBuilds int, at time.Time) error {
	return nil
}

func registryWith(t *testing.T, agents ...*model.Agent) *agentregistry.Registry {
	t.Helper()
	r := agentregistry.New(newFakeStore())
	for _, a := range agents {
		require.NoError(t, r.Register(context.Background(), a))
	}
	return r
}

func TestSelect_PicksHighestScoringOnlineAgent(t *testing.T) {
	busy := &model.Agent{ID: "busy", MaxBuilds: 2, CurrentBuilds: 2}
	idle := &model.Agent{ID: "idle", MaxBuilds: 2, CurrentBuilds: 0}
	r := registryWith(t, busy, idle)

	d := New(config.DispatchConfig{DistributedDispatch: true}, r, nil)
	chosen, ok := d.Select(Request{})
	require.True(t, ok)
	assert.Equal(t, "idle", chosen.ID)
}

func TestSelect_ExcludesAtCapacityAgents(t *testing.T) {
	full := &model.Agent{ID: "full", MaxBuilds: 1, CurrentBuilds: 1}
	r := registryWith(t, full)

	d := New(config.DispatchConfig{DistributedDispatch: true}, r, nil)
	_, ok := d.Select(Request{})
	assert.False(t, ok)
}

func TestSelect_ExcludesBreakerOpenAgents(t *testing.T) {
	a := &model.Agent{ID: "a1", MaxBuilds: 2}
	r := registryWith(t, a)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1})
	_ = breakers.Execute(context.Background(), "a1", func(ctx context.Context) error { return errors.New("fail") })

	d := New(config.DispatchConfig{DistributedDispatch: true}, r, breakers)
	_, ok := d.Select(Request{})
	assert.False(t, ok)
}

func TestDispatch_DisabledFallsBackLocal(t *testing.T) {
	d := New(config.DispatchConfig{DistributedDispatch: false, FallbackLocal: true}, registryWith(t), nil)
	localCalled := false
	err := d.Dispatch(context.Background(), Request{}, nil, func(ctx context.Context) error {
		localCalled = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, localCalled)
}

func TestDispatch_NoFallbackReturnsNoAgentAvailable(t *testing.T) {
	d := New(config.DispatchConfig{DistributedDispatch: false, FallbackLocal: false}, registryWith(t), nil)
	err := d.Dispatch(context.Background(), Request{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.NoAgentAvailable))
}

func TestDispatch_RemoteCallSucceeds(t *testing.T) {
	a := &model.Agent{ID: "a1", MaxBuilds: 1}
	r := registryWith(t, a)
	d := New(config.DispatchConfig{DistributedDispatch: true}, r, nil)

	called := false
	err := d.Dispatch(context.Background(), Request{}, func(ctx context.Context, agent *model.Agent) error {
		called = true
		assert.Equal(t, "a1", agent.ID)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestDispatch_RemoteCallFailsFallsBackLocal(t *testing.T) {
	a := &model.Agent{ID: "a1", MaxBuilds: 1}
	r := registryWith(t, a)
	d := New(config.DispatchConfig{DistributedDispatch: true, FallbackLocal: true}, r, nil)

	localCalled := false
	err := d.Dispatch(context.Background(), Request{}, func(ctx context.Context, agent *model.Agent) error {
		return errors.New("boom")
	}, func(ctx context.Context) error {
		localCalled = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, localCalled)
}

func TestDispatch_RemoteCallFailsNoFallback(t *testing.T) {
	a := &model.Agent{ID: "a1", MaxBuilds: 1}
	r := registryWith(t, a)
	d := New(config.DispatchConfig{DistributedDispatch: true, FallbackLocal: false}, r, nil)

	err := d.Dispatch(context.Background(), Request{}, func(ctx context.Context, agent *model.Agent) error {
		return errors.New("boom")
	}, nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.DispatchFailed))
}
