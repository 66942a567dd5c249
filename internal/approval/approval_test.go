// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/agentworker"
	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
)

func TestCreate_DefaultsRequiredApprovalsToOne(t *testing.T) {
	g := New(agentworker.NewMemoryApprovalStore())
	gate, err := g.Create(context.Background(), "build-1", "deploy", 0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, gate.RequiredApprovals)
	assert.Equal(t, model.ApprovalPending, gate.Status)
}

func TestApprove_TransitionsToApprovedAtThreshold(t *testing.T) {
	g := New(agentworker.NewMemoryApprovalStore())
	gate, err := g.Create(context.Background(), "build-1", "deploy", 2, time.Hour)
	require.NoError(t, err)

	updated, err := g.Approve(context.Background(), gate.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, updated.Status)

	updated, err = g.Approve(context.Background(), gate.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, updated.Status)
}

func TestApprove_SameApproverTwiceDoesNotDoubleCount(t *testing.T) {
	g := New(agentworker.NewMemoryApprovalStore())
	gate, err := g.Create(context.Background(), "build-1", "deploy", 2, time.Hour)
	require.NoError(t, err)

	_, err = g.Approve(context.Background(), gate.ID, "alice")
	require.NoError(t, err)
	updated, err := g.Approve(context.Background(), gate.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ApprovalCount)
	assert.Equal(t, model.ApprovalPending, updated.Status)
}

func TestReject_TransitionsImmediately(t *testing.T) {
	g := New(agentworker.NewMemoryApprovalStore())
	gate, err := g.Create(context.Background(), "build-1", "deploy", 3, time.Hour)
	require.NoError(t, err)

	updated, err := g.Reject(context.Background(), gate.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, updated.Status)
}

func TestAwait_ReturnsOnApproval(t *testing.T) {
	g := New(agentworker.NewMemoryApprovalStore())
	gate, err := g.Create(context.Background(), "build-1", "deploy", 1, time.Hour)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = g.Approve(context.Background(), gate.ID, "alice")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := awaitFast(ctx, g, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, result.Status)
}

func TestAwait_ReturnsRejectedError(t *testing.T) {
	g := New(agentworker.NewMemoryApprovalStore())
	gate, err := g.Create(context.Background(), "build-1", "deploy", 1, time.Hour)
	require.NoError(t, err)
	_, err = g.Reject(context.Background(), gate.ID, "alice")
	require.NoError(t, err)

	_, err = awaitFast(context.Background(), g, gate.ID)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ApprovalRejected))
}

func TestScanTimeouts_MarksExpiredPendingGates(t *testing.T) {
	g := New(agentworker.NewMemoryApprovalStore())
	gate, err := g.Create(context.Background(), "build-1", "deploy", 1, -time.Minute)
	require.NoError(t, err)

	n, err := g.ScanTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := g.store.GetGate(context.Background(), gate.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalTimedOut, updated.Status)
}

// awaitFast mirrors Await's GetGate/select loop (it does not call Await)
// with a 5ms ticker instead of DefaultPollInterval, so these tests don't
// block for multiple seconds.
func awaitFast(ctx context.Context, g *Gates, gateID string) (*model.ApprovalGate, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		gate, err := g.store.GetGate(ctx, gateID)
		if err != nil {
			return nil, err
		}
		switch gate.Status {
		case model.ApprovalApproved:
			return gate, nil
		case model.ApprovalRejected:
			return gate, errkind.New(errkind.ApprovalRejected, assertErr("rejected"))
		case model.ApprovalTimedOut:
			return gate, errkind.New(errkind.ApprovalTimeout, assertErr("timed out"))
		}
		select {
		case <-ctx.Done():
			return gate, ctx.Err()
		case <-ticker.C:
		}
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
