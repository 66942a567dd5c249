// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch implements the Dispatcher (C12): it decides whether a
// triggered build runs on a remote agent or the master's local pool.
package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/forgecore/forgecore/internal/agentregistry"
	"github.com/forgecore/forgecore/internal/breaker"
	"github.com/forgecore/forgecore/internal/config"
	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
)

// Request describes a build looking for a place to run.
type Request struct {
	OrgID           string
	RequiredLabels  []string
	MinCPUCores     int
	MinMemoryGB     int
	PreferredRegion string
}

// RemoteCall performs the actual dispatch to an agent, returning an error
// on any non-2xx response or transport failure.
type RemoteCall func(ctx context.Context, agent *model.Agent) error

// RunLocal runs the build on the master's own pool instead of an agent.
type RunLocal func(ctx context.Context) error

// Dispatcher selects a target agent for a build, or falls back to local
// execution per the dispatch configuration.
type Dispatcher struct {
	cfg      config.DispatchConfig
	registry *agentregistry.Registry
	breakers *breaker.Registry
}

// New returns a Dispatcher.
func New(cfg config.DispatchConfig, registry *agentregistry.Registry, breakers *breaker.Registry) *Dispatcher {
	return &Dispatcher{cfg: cfg, registry: registry, breakers: breakers}
}

// candidate pairs an agent with its dispatch score.
type candidate struct {
	agent *model.Agent
	score float64
}

// candidates returns req's eligible agents, filtered per §4.12 step 2:
// label superset, spare capacity, fresh heartbeat (already folded into the
// registry's online/offline status), minimum CPU/memory, and an open
// breaker excluded.
func (d *Dispatcher) candidates(req Request) []candidate {
	agents := d.registry.List(req.RequiredLabels, req.OrgID)

	var out []candidate
	for _, a := range agents {
		if a.Status != model.AgentOnline {
			continue
		}
		if a.CurrentBuilds >= a.MaxBuilds {
			continue
		}
		if req.MinCPUCores > 0 && a.CPUCores < req.MinCPUCores {
			continue
		}
		if req.MinMemoryGB > 0 && a.MemoryGB < req.MinMemoryGB {
			continue
		}
		if d.breakers != nil && !d.breakers.Allow(a.ID) {
			continue
		}
		out = append(out, candidate{agent: a, score: d.score(a, req)})
	}
	return out
}

// score implements §4.12 step 3's formula.
func (d *Dispatcher) score(a *model.Agent, req Request) float64 {
	loadScore := 1.0
	if a.MaxBuilds > 0 {
		loadScore = 1 - float64(a.CurrentBuilds)/float64(a.MaxBuilds)
	}

	cpuScore := 1.0
	if req.MinCPUCores > 0 && a.CPUCores > 0 {
		cpuScore = float64(a.CPUCores) / float64(req.MinCPUCores)
		if cpuScore > 1 {
			cpuScore = 1
		}
	}

	memScore := 1.0
	if req.MinMemoryGB > 0 && a.MemoryGB > 0 {
		memScore = float64(a.MemoryGB) / float64(req.MinMemoryGB)
		if memScore > 1 {
			memScore = 1
		}
	}

	score := loadScore*0.6 + cpuScore*0.2 + memScore*0.2
	if req.PreferredRegion != "" && a.Region == req.PreferredRegion {
		score += regionLocalityBonus
	}
	return score
}

const regionLocalityBonus = 0.1

// Select picks the highest-scoring candidate for req, or reports that none
// are eligible.
func (d *Dispatcher) Select(req Request) (*model.Agent, bool) {
	cands := d.candidates(req)
	if len(cands) == 0 {
		return nil, false
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].agent.ID < cands[j].agent.ID
	})
	return cands[0].agent, true
}

// Dispatch runs the full §4.12 decision: when distributed dispatch is
// disabled, or no candidate is eligible, or the remote call fails, it
// falls back to runLocal when fallback_local is configured; otherwise it
// fails the build with no-agent-available / dispatch-failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, call RemoteCall, runLocal RunLocal) error {
	if !d.cfg.DistributedDispatch {
		return d.fallback(ctx, runLocal, errkind.New(errkind.NoAgentAvailable, fmt.Errorf("distributed dispatch disabled")))
	}

	agent, ok := d.Select(req)
	if !ok {
		return d.fallback(ctx, runLocal, errkind.New(errkind.NoAgentAvailable, fmt.Errorf("no eligible agent for dispatch request")))
	}

	var callErr error
	if d.breakers != nil {
		callErr = d.breakers.Execute(ctx, agent.ID, func(ctx context.Context) error {
			return call(ctx, agent)
		})
	} else {
		callErr = call(ctx, agent)
	}
	if callErr != nil {
		return d.fallback(ctx, runLocal, errkind.New(errkind.DispatchFailed, fmt.Errorf("dispatch to agent %s: %w", agent.ID, callErr)))
	}
	return nil
}

func (d *Dispatcher) fallback(ctx context.Context, runLocal RunLocal, cause error) error {
	if !d.cfg.FallbackLocal {
		return cause
	}
	if runLocal == nil {
		return cause
	}
	return runLocal(ctx)
}
