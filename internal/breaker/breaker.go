// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package breaker wraps outbound master-to-agent calls in a per-agent
// circuit breaker (C13), adapting the pack's sony/gobreaker wrapper pattern
// to a per-agent registry instead of a single shared breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgecore/forgecore/internal/errkind"
)

// Config tunes breaker transition thresholds.
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

// Registry holds one circuit breaker per agent, created on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry returns a Registry using cfg for every breaker it creates.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *Registry) breakerFor(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: r.cfg.HalfOpenMaxCalls,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
	})
	r.breakers[agentID] = cb
	return cb
}

// Execute runs fn through agentID's breaker, accepting ctx so fn can honor
// cancellation; gobreaker itself has no context awareness.
func (r *Registry) Execute(ctx context.Context, agentID string, fn func(ctx context.Context) error) error {
	cb := r.breakerFor(agentID)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errkind.New(errkind.BreakerOpen, fmt.Errorf("agent %s: %w", agentID, err))
	}
	return err
}

// State reports agentID's current breaker state, defaulting to closed for
// agents that have never been called through.
func (r *Registry) State(agentID string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[agentID]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Allow reports whether agentID's breaker is not open (closed or
// half-open), i.e. eligible for candidate selection; a half-open breaker
// admits the trial call that can close it again.
func (r *Registry) Allow(agentID string) bool {
	return r.State(agentID) != gobreaker.StateOpen
}
