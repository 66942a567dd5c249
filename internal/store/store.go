// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store declares the abstract persistence contracts (C17) for every
// entity in the data model. Concrete backends (internal/store/gormstore)
// implement these interfaces against SQLite or Postgres.
package store

import (
	"context"
	"time"

	"github.com/forgecore/forgecore/internal/model"
)

// JobStore persists pipeline templates.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, orgID, jobID string) (*model.Job, error)
	GetJobByName(ctx context.Context, orgID, name string) (*model.Job, error)
	ListJobs(ctx context.Context, orgID string) ([]*model.Job, error)
}

// BuildStore persists build attempts.
type BuildStore interface {
	// CreateBuild assigns the next build_number for job_id transactionally
	// and inserts the record.
	CreateBuild(ctx context.Context, build *model.Build) error
	GetBuild(ctx context.Context, orgID, buildID string) (*model.Build, error)
	// UpdateBuildStatus is idempotent; once the stored status is terminal
	// it refuses further transitions (I1).
	UpdateBuildStatus(ctx context.Context, orgID, buildID string, status model.BuildStatus, finishedAt *time.Time, errKind, errMsg string) error
	UpdateBuildDispatch(ctx context.Context, orgID, buildID, agentID string, dispatchedAt time.Time) error
	ListRunningBuilds(ctx context.Context) ([]*model.Build, error)
	// FindActiveByCommit supports build dedup (P6): returns a build for
	// {job_id, git_commit} in status queued/running/success within window.
	FindActiveByCommit(ctx context.Context, orgID, jobID, gitCommit string, since time.Time) (*model.Build, error)
}

// StageStore persists per-build stage and step records.
type StageStore interface {
	UpsertStage(ctx context.Context, stage *model.StageRecord) error
	UpsertStep(ctx context.Context, step *model.StepRecord) error
	ListStages(ctx context.Context, buildID string) ([]*model.StageRecord, error)
	ListSteps(ctx context.Context, buildID, stageName string) ([]*model.StepRecord, error)
}

// EventStore is the durable plane of the Event Bus (C4).
type EventStore interface {
	// AppendEvent persists ev with a strictly increasing event_id for its
	// build (I6, P1). Implementations must serialize appends per build_id.
	AppendEvent(ctx context.Context, ev *model.BuildEvent) error
	// Replay returns events for build_id in insertion order, optionally
	// starting strictly after afterEventID, bounded by limit (0 = no limit).
	Replay(ctx context.Context, buildID string, afterEventID model.EventID, limit int) ([]*model.BuildEvent, error)
}

// QueueStore is the durable priority queue (C14).
type QueueStore interface {
	Enqueue(ctx context.Context, entry *model.QueueEntry) error
	// Dequeue atomically claims and returns the highest-priority pending
	// entry, or nil if none are pending (I3).
	Dequeue(ctx context.Context, workerID string) (*model.QueueEntry, error)
	Complete(ctx context.Context, entryID string, status model.QueueEntryStatus) error
	CountPending(ctx context.Context) (int, error)
}

// AgentStore persists the agent registry (C11).
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	UpdateHeartbeat(ctx context.Context, agentID string, currentBuilds int, at time.Time) error
}

// CacheStore persists artifact/dependency cache entries (C5).
type CacheStore interface {
	// SaveCacheEntry inserts entry unless the (job_id, cache_key) pair
	// already exists, in which case it is a silent no-op (I5).
	SaveCacheEntry(ctx context.Context, entry *model.CacheEntry) error
	GetCacheEntry(ctx context.Context, jobID, cacheKey string) (*model.CacheEntry, error)
	// FindMostRecentByPrefix returns the most-recently-created entry whose
	// cache_key begins with prefix, or nil if none match (Q2).
	FindMostRecentByPrefix(ctx context.Context, jobID, prefix string) (*model.CacheEntry, error)
	IncrementHitCount(ctx context.Context, id string) error
	EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StageCacheStore persists stage-result (fingerprint) cache entries (C5).
type StageCacheStore interface {
	SaveStageResult(ctx context.Context, entry *model.StageCacheEntry) error
	GetStageResult(ctx context.Context, jobID, fingerprint string) (*model.StageCacheEntry, error)
}

// ApprovalStore persists approval gates (C8).
type ApprovalStore interface {
	CreateGate(ctx context.Context, gate *model.ApprovalGate) error
	GetGate(ctx context.Context, gateID string) (*model.ApprovalGate, error)
	GetGateForStage(ctx context.Context, buildID, stageName string) (*model.ApprovalGate, error)
	// Approve transactionally increments approval_count and appends
	// approverID, transitioning to approved once the threshold is met.
	Approve(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error)
	Reject(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error)
	// ListTimedOut returns gates still pending whose timeout_at <= now.
	ListTimedOut(ctx context.Context, now time.Time) ([]*model.ApprovalGate, error)
	MarkTimedOut(ctx context.Context, gateID string) error
}

// ArtifactStore persists collected build artifacts.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact *model.Artifact) error
	ListArtifacts(ctx context.Context, buildID string) ([]*model.Artifact, error)
	// FindLatestByFilename supports incremental-artifact delta base lookup.
	FindLatestByFilename(ctx context.Context, jobID, filename string, beforeBuildID string) (*model.Artifact, error)
	GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error)
}

// SecretStore persists encrypted secrets (§6.5).
type SecretStore interface {
	PutSecret(ctx context.Context, secret *model.Secret) error
	GetSecret(ctx context.Context, orgID, scope, name string) (*model.Secret, error)
	ListSecrets(ctx context.Context, orgID, scope string) ([]*model.Secret, error)
}

// Store is the full persistence surface the core depends on.
type Store interface {
	JobStore
	BuildStore
	StageStore
	EventStore
	QueueStore
	AgentStore
	CacheStore
	StageCacheStore
	ApprovalStore
	ArtifactStore
	SecretStore

	// AdvisoryLock attempts to acquire a named, connection-scoped lock used
	// by leader election (C16). It returns false immediately if held by
	// another session; on single-master engines it always returns true.
	AdvisoryLock(ctx context.Context, name string) (bool, error)
	AdvisoryUnlock(ctx context.Context, name string) error

	Close() error
}
