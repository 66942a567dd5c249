// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agentregistry tracks remote agents (C11): an in-memory map keyed
// by agent id, write-through to the Store, hydrated on master start.
package agentregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

// StaleAfter is how long since the last heartbeat before an agent is
// logically offline at read time.
const StaleAfter = 90 * time.Second

// Registry is the in-memory, write-through agent directory.
type Registry struct {
	mu    sync.RWMutex
	store store.AgentStore
	byID  map[string]*model.Agent
}

// New returns an empty Registry backed by s. Call Hydrate to populate it
// from the store on startup.
func New(s store.AgentStore) *Registry {
	return &Registry{store: s, byID: make(map[string]*model.Agent)}
}

// Hydrate refills the in-memory map from the store.
func (r *Registry) Hydrate(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("hydrate agent registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.byID[a.ID] = a
	}
	return nil
}

// Register persists and caches a new agent.
func (r *Registry) Register(ctx context.Context, agent *model.Agent) error {
	agent.LastHeartbeatAt = time.Now().UTC()
	agent.Status = model.AgentOnline
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return fmt.Errorf("register agent %s: %w", agent.ID, err)
	}
	r.mu.Lock()
	r.byID[agent.ID] = agent
	r.mu.Unlock()
	return nil
}

// Heartbeat updates an agent's liveness and load, write-through.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, currentBuilds int) error {
	now := time.Now().UTC()
	if err := r.store.UpdateHeartbeat(ctx, agentID, currentBuilds, now); err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", agentID, err)
	}
	r.mu.Lock()
	if a, ok := r.byID[agentID]; ok {
		a.LastHeartbeatAt = now
		a.CurrentBuilds = currentBuilds
		a.Status = model.AgentOnline
	}
	r.mu.Unlock()
	return nil
}

// LastHeartbeat returns agentID's last-known heartbeat time, for the
// buildrunner orphan monitor's agentHeartbeat callback.
func (r *Registry) LastHeartbeat(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[agentID]
	if !ok {
		return time.Time{}, false
	}
	return a.LastHeartbeatAt, true
}

// Get returns a cached agent, computing its effective (possibly offline)
// status from heartbeat age rather than the persisted Status column.
func (r *Registry) Get(agentID string) (*model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[agentID]
	if !ok {
		return nil, false
	}
	snapshot := *a
	snapshot.Status = effectiveStatus(a)
	return &snapshot, true
}

// List returns every cached agent matching requiredLabels (a subset check)
// and orgID: org-less, shareable agents match any orgID, and an empty orgID
// applies no org filter at all.
func (r *Registry) List(requiredLabels []string, orgID string) []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Agent
	for _, a := range r.byID {
		if orgID != "" && a.OrgID() != "" && a.OrgID() != orgID {
			continue
		}
		if !hasAllLabels(a.Labels, requiredLabels) {
			continue
		}
		snapshot := *a
		snapshot.Status = effectiveStatus(a)
		out = append(out, &snapshot)
	}
	return out
}

func effectiveStatus(a *model.Agent) model.AgentStatus {
	if time.Since(a.LastHeartbeatAt) > StaleAfter {
		return model.AgentOffline
	}
	return a.Status
}

func hasAllLabels(have model.StringSet, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[l] = true
	}
	for _, l := range want {
		if !set[l] {
			return false
		}
	}
	return true
}
