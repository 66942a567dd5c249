// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package approval implements the Approval Gate (C8): creation of a gate
// when the Executor reaches an approval-configured stage, polling it to a
// terminal state, and a background scanner that expires stale gates.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

// DefaultPollInterval is how often Await re-checks a gate's status.
const DefaultPollInterval = 2 * time.Second

// Gates implements the approval-gate lifecycle on top of store.ApprovalStore.
type Gates struct {
	store store.ApprovalStore
}

// New returns a Gates backed by s.
func New(s store.ApprovalStore) *Gates {
	return &Gates{store: s}
}

// Create opens a gate for buildID/stageName requiring requiredApprovals
// approvals, expiring after timeout.
func (g *Gates) Create(ctx context.Context, buildID, stageName string, requiredApprovals int, timeout time.Duration) (*model.ApprovalGate, error) {
	if requiredApprovals < 1 {
		requiredApprovals = 1
	}
	gate := &model.ApprovalGate{
		ID:                uuid.NewString(),
		BuildID:           buildID,
		StageName:         stageName,
		Status:            model.ApprovalPending,
		RequiredApprovals: requiredApprovals,
		ApprovalCount:     0,
		TimeoutAt:         time.Now().UTC().Add(timeout),
	}
	if err := g.store.CreateGate(ctx, gate); err != nil {
		return nil, fmt.Errorf("create approval gate: %w", err)
	}
	return gate, nil
}

// Approve records approverID's approval for gateID.
func (g *Gates) Approve(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error) {
	gate, err := g.store.Approve(ctx, gateID, approverID)
	if err != nil {
		return nil, fmt.Errorf("approve gate %s: %w", gateID, err)
	}
	return gate, nil
}

// Reject records approverID's rejection for gateID, transitioning it
// immediately to rejected.
func (g *Gates) Reject(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error) {
	gate, err := g.store.Reject(ctx, gateID, approverID)
	if err != nil {
		return nil, fmt.Errorf("reject gate %s: %w", gateID, err)
	}
	return gate, nil
}

// Await blocks, polling at DefaultPollInterval, until gateID reaches a
// terminal status (approved, rejected, timed-out) or ctx is cancelled. It
// returns errkind.ApprovalRejected or errkind.ApprovalTimeout on the
// corresponding outcomes.
func (g *Gates) Await(ctx context.Context, gateID string) (*model.ApprovalGate, error) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		gate, err := g.store.GetGate(ctx, gateID)
		if err != nil {
			return nil, fmt.Errorf("poll gate %s: %w", gateID, err)
		}
		switch gate.Status {
		case model.ApprovalApproved:
			return gate, nil
		case model.ApprovalRejected:
			return gate, errkind.New(errkind.ApprovalRejected, fmt.Errorf("gate %s rejected", gateID))
		case model.ApprovalTimedOut:
			return gate, errkind.New(errkind.ApprovalTimeout, fmt.Errorf("gate %s timed out", gateID))
		}

		select {
		case <-ctx.Done():
			return gate, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanTimeouts transitions every still-pending gate past its timeout_at to
// timed-out. Intended to run periodically from a single leader-elected
// scheduler (C16).
func (g *Gates) ScanTimeouts(ctx context.Context) (int, error) {
	timedOut, err := g.store.ListTimedOut(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list timed out gates: %w", err)
	}
	for _, gate := range timedOut {
		if err := g.store.MarkTimedOut(ctx, gate.ID); err != nil {
			return 0, fmt.Errorf("mark gate %s timed out: %w", gate.ID, err)
		}
	}
	return len(timedOut), nil
}
