// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agentregistry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/model"
)

type fakeAgentStore struct {
	mu     sync.Mutex
	agents map[string]*model.Agent
}

func newFakeAgentStore() *fakeAgentStore {
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[agentID]; ok {
		a.CurrentBuilds = currentBuilds
		a.LastHeartbeatAt = at
	}
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New(newFakeAgentStore())
	agent := &model.Agent{ID: "agent-1", Name: "runner-1", Labels: model.StringSet{"linux", "docker"}}
	require.NoError(t, r.Register(context.Background(), agent))

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, model.AgentOnline, got.Status)
}

func TestHeartbeat_UpdatesLoadAndLiveness(t *testing.T) {
	r := New(newFakeAgentStore())
	agent := &model.Agent{ID: "agent-1"}
	require.NoError(t, r.Register(context.Background(), agent))

	require.NoError(t, r.Heartbeat(context.Background(), "agent-1", 3))
	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, 3, got.CurrentBuilds)
}

func TestGet_StaleHeartbeatReportsOffline(t *testing.T) {
	r := New(newFakeAgentStore())
	agent := &model.Agent{ID: "agent-1"}
	require.NoError(t, r.Register(context.Background(), agent))

	r.mu.Lock()
	r.byID["agent-1"].LastHeartbeatAt = time.Now().Add(-StaleAfter - time.Minute)
	r.mu.Unlock()

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, model.AgentOffline, got.Status)
}

func TestList_FiltersByLabelsAndOrg(t *testing.T) {
	r := New(newFakeAgentStore())
	a1 := &model.Agent{ID: "a1", Labels: model.StringSet{"linux", "gpu"}}
	a2 := &model.Agent{ID: "a2", Labels: model.StringSet{"linux"}}
	require.NoError(t, r.Register(context.Background(), a1))
	require.NoError(t, r.Register(context.Background(), a2))

	out := r.List([]string{"gpu"}, "")
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].ID)

	all := r.List(nil, "")
	assert.Len(t, all, 2)
}

func TestHydrate_PopulatesFromStore(t *testing.T) {
	s := newFakeAgentStore()
	require.NoError(t, s.UpsertAgent(context.Background(), &model.Agent{ID: "pre-existing"}))

	r := New(s)
	require.NoError(t, r.Hydrate(context.Background()))

	_, ok := r.Get("pre-existing")
	assert.True(t, ok)
}

func TestLastHeartbeat_UnknownAgent(t *testing.T) {
	r := New(newFakeAgentStore())
	_, ok := r.LastHeartbeat("ghost")
	assert.False(t, ok)
}
