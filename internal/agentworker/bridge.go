// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agentworker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
)

// RemoteEvents forwards an Executor's lifecycle events to the master over
// the agent's outbound Client, satisfying executor.EventPublisher without
// giving the agent direct database access.
type RemoteEvents struct {
	Client *Client
}

// Publish forwards ev to the master via Client.PostEvent.
func (r *RemoteEvents) Publish(ctx context.Context, ev *model.BuildEvent) error {
	return r.Client.PostEvent(ctx, ev)
}

// StageForwarder is a no-op store.StageStore for agent-side execution: the
// forwarded event stream (RemoteEvents) is this iteration's durable record
// of stage and step transitions for agent-dispatched builds, so there is
// nothing left for Upsert to persist locally.
type StageForwarder struct{}

func (StageForwarder) UpsertStage(ctx context.Context, stage *model.StageRecord) error { return nil }
func (StageForwarder) UpsertStep(ctx context.Context, step *model.StepRecord) error    { return nil }
func (StageForwarder) ListStages(ctx context.Context, buildID string) ([]*model.StageRecord, error) {
	return nil, nil
}
func (StageForwarder) ListSteps(ctx context.Context, buildID, stageName string) ([]*model.StepRecord, error) {
	return nil, nil
}

// RemoteArtifactStore uploads each artifact the Executor archives locally
// straight to the master as soon as it is recorded, then discards the local
// blob's bookkeeping: an agent has no durable artifact history of its own,
// so FindLatestByFilename always reports no delta base and every upload is
// a full copy (mirrored by master.Ingest.SubmitArtifact).
type RemoteArtifactStore struct {
	Client  *Client
	OrgID   string
	BlobDir string
}

func (s *RemoteArtifactStore) CreateArtifact(ctx context.Context, artifact *model.Artifact) error {
	localPath := artifactBlobPath(s.BlobDir, artifact)
	if err := s.Client.SubmitArtifact(ctx, s.OrgID, artifact.BuildID, localPath); err != nil {
		return fmt.Errorf("upload artifact %s: %w", artifact.Filename, err)
	}
	return nil
}

func (s *RemoteArtifactStore) ListArtifacts(ctx context.Context, buildID string) ([]*model.Artifact, error) {
	return nil, nil
}

func (s *RemoteArtifactStore) FindLatestByFilename(ctx context.Context, jobID, filename, beforeBuildID string) (*model.Artifact, error) {
	return nil, nil
}

func (s *RemoteArtifactStore) GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error) {
	return nil, nil
}

func artifactBlobPath(blobDir string, artifact *model.Artifact) string {
	return filepath.Join(blobDir, artifact.SHA256)
}

// MemoryApprovalStore is a process-local store.ApprovalStore for agent-side
// execution. Approval gates opened on an agent are visible only to that
// agent's own Await loop, not to the master's API: a pipeline whose
// approval-gated stages must be approvable from the master UI should not
// be scheduled onto the distributed agent pool in this iteration.
type MemoryApprovalStore struct {
	mu    sync.Mutex
	gates map[string]*model.ApprovalGate
}

// NewMemoryApprovalStore returns an empty MemoryApprovalStore.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{gates: make(map[string]*model.ApprovalGate)}
}

func (s *MemoryApprovalStore) CreateGate(ctx context.Context, gate *model.ApprovalGate) error {
	if gate.ID == "" {
		gate.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[gate.ID] = gate
	return nil
}

func (s *MemoryApprovalStore) GetGate(ctx context.Context, gateID string) (*model.ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, ok := s.gates[gateID]
	if !ok {
		return nil, errkind.New(errkind.StoreConflict, fmt.Errorf("unknown approval gate %s", gateID))
	}
	return gate, nil
}

func (s *MemoryApprovalStore) GetGateForStage(ctx context.Context, buildID, stageName string) (*model.ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gate := range s.gates {
		if gate.BuildID == buildID && gate.StageName == stageName {
			return gate, nil
		}
	}
	return nil, errkind.New(errkind.StoreConflict, fmt.Errorf("no approval gate for build %s stage %s", buildID, stageName))
}

func (s *MemoryApprovalStore) Approve(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, ok := s.gates[gateID]
	if !ok {
		return nil, errkind.New(errkind.StoreConflict, fmt.Errorf("unknown approval gate %s", gateID))
	}
	already := false
	for _, id := range gate.ApproverIDs {
		if id == approverID {
			already = true
			break
		}
	}
	if !already {
		gate.ApproverIDs = append(gate.ApproverIDs, approverID)
		gate.ApprovalCount++
	}
	if gate.ApprovalCount >= gate.RequiredApprovals {
		gate.Status = model.ApprovalApproved
	}
	return gate, nil
}

func (s *MemoryApprovalStore) Reject(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, ok := s.gates[gateID]
	if !ok {
		return nil, errkind.New(errkind.StoreConflict, fmt.Errorf("unknown approval gate %s", gateID))
	}
	gate.Status = model.ApprovalRejected
	return gate, nil
}

func (s *MemoryApprovalStore) ListTimedOut(ctx context.Context, now time.Time) ([]*model.ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ApprovalGate
	for _, gate := range s.gates {
		if gate.Status == model.ApprovalPending && !gate.TimeoutAt.After(now) {
			out = append(out, gate)
		}
	}
	return out, nil
}

func (s *MemoryApprovalStore) MarkTimedOut(ctx context.Context, gateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate, ok := s.gates[gateID]; ok {
		gate.Status = model.ApprovalTimedOut
	}
	return nil
}
