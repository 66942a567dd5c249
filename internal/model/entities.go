// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"time"
)

// OrgScoped exposes an entity's org partition key (I8). Every entity here
// implements it except ApprovalGate and Artifact, which have no org_id
// column of their own; no store code consults the interface.
type OrgScoped interface {
	OrgID() string
}

// BuildStatus is the terminal/non-terminal status of a Build.
type BuildStatus string

const (
	BuildQueued  BuildStatus = "queued"
	BuildRunning BuildStatus = "running"
	BuildSuccess BuildStatus = "success"
	BuildFailure BuildStatus = "failure"
	BuildAborted BuildStatus = "aborted"
)

// Terminal reports whether the status is one a build cannot leave (I1).
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailure || s == BuildAborted
}

// StageStatus is the status of a stage or step record.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSuccess   StageStatus = "success"
	StageFailure   StageStatus = "failure"
	StageSkipped   StageStatus = "skipped"
	StageCached    StageStatus = "cached"
)

// PipelineSource records which format produced the executed pipeline value.
type PipelineSource string

const (
	PipelineSourceServer    PipelineSource = "server"
	PipelineSourceRepoEDN   PipelineSource = "repo-edn"
	PipelineSourceRepoYAML  PipelineSource = "repo-yaml"
)

// TriggerType identifies what caused a build to be created.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerAPI      TriggerType = "api"
)

// Job is a named pipeline template.
type Job struct {
	ID             string          `gorm:"primaryKey;type:text" json:"id"`
	OrgIDValue     string          `gorm:"column:org_id;type:text;not null;index;uniqueIndex:idx_job_org_name" json:"org_id"`
	Name           string          `gorm:"type:text;not null;uniqueIndex:idx_job_org_name" json:"name"`
	Description    string          `gorm:"type:text" json:"description"`
	PipelineValue  json.RawMessage `gorm:"type:text;column:pipeline_value" json:"pipeline_value"`
	ParameterDefs  json.RawMessage `gorm:"type:text;column:parameter_defs" json:"parameter_defs"`
	TriggerConfig  json.RawMessage `gorm:"type:text;column:trigger_config" json:"trigger_config"`
	SourceConfig   json.RawMessage `gorm:"type:text;column:source_config" json:"source_config"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Job) TableName() string { return "jobs" }
func (j Job) OrgID() string   { return j.OrgIDValue }

// Build is one execution attempt of a Job.
type Build struct {
	ID             string         `gorm:"primaryKey;type:text" json:"id"`
	JobID          string         `gorm:"type:text;not null;index" json:"job_id"`
	OrgIDValue     string         `gorm:"column:org_id;type:text;not null;index" json:"org_id"`
	BuildNumber    int64          `gorm:"not null" json:"build_number"`
	Status         BuildStatus    `gorm:"type:text;not null;index" json:"status"`
	TriggerType    TriggerType    `gorm:"type:text" json:"trigger_type"`
	Parameters     json.RawMessage `gorm:"type:text" json:"parameters"`
	WorkspacePath  string         `gorm:"type:text" json:"workspace_path"`
	AgentID        *string        `gorm:"type:text;index" json:"agent_id,omitempty"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt      time.Time      `gorm:"index" json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	GitCommit      string         `gorm:"type:text" json:"git_commit,omitempty"`
	GitBranch      string         `gorm:"type:text" json:"git_branch,omitempty"`
	GitAuthor      string         `gorm:"type:text" json:"git_author,omitempty"`
	GitEmail       string         `gorm:"type:text" json:"git_email,omitempty"`
	GitMessage     string         `gorm:"type:text" json:"git_message,omitempty"`
	AttemptNumber  int            `gorm:"not null;default:1" json:"attempt_number"`
	RootBuildID    string         `gorm:"type:text;index" json:"root_build_id"`
	PipelineSource PipelineSource `gorm:"type:text" json:"pipeline_source"`

	ErrorKind    string `gorm:"type:text" json:"error_kind,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
}

func (Build) TableName() string { return "builds" }
func (b Build) OrgID() string   { return b.OrgIDValue }

// StageRecord is a persisted stage execution (child of Build).
type StageRecord struct {
	ID             string      `gorm:"primaryKey;type:text" json:"id"`
	BuildID        string      `gorm:"type:text;not null;index" json:"build_id"`
	OrgIDValue     string      `gorm:"column:org_id;type:text;not null;index" json:"org_id"`
	Name           string      `gorm:"type:text;not null" json:"name"`
	Status         StageStatus `gorm:"type:text;not null" json:"status"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	ExitCode       *int        `json:"exit_code,omitempty"`
	ErrorMessage   string      `gorm:"type:text" json:"error_message,omitempty"`
	ContainerImage string      `gorm:"type:text" json:"container_image,omitempty"`
	SkippedReason  string      `gorm:"type:text" json:"skipped_reason,omitempty"`
}

func (StageRecord) TableName() string { return "build_stages" }
func (s StageRecord) OrgID() string   { return s.OrgIDValue }

// StepRecord is a persisted step execution (child of a StageRecord/Build).
type StepRecord struct {
	ID             string      `gorm:"primaryKey;type:text" json:"id"`
	BuildID        string      `gorm:"type:text;not null;index" json:"build_id"`
	StageName      string      `gorm:"type:text;not null" json:"stage_name"`
	OrgIDValue     string      `gorm:"column:org_id;type:text;not null;index" json:"org_id"`
	Name           string      `gorm:"type:text;not null" json:"name"`
	Status         StageStatus `gorm:"type:text;not null" json:"status"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	ExitCode       *int        `json:"exit_code,omitempty"`
	ErrorMessage   string      `gorm:"type:text" json:"error_message,omitempty"`
	ContainerImage string      `gorm:"type:text" json:"container_image,omitempty"`
}

func (StepRecord) TableName() string { return "build_steps" }
func (s StepRecord) OrgID() string   { return s.OrgIDValue }

// EventKind enumerates the Build Event kinds of §3.
type EventKind string

const (
	EventBuildStarted     EventKind = "build-started"
	EventStageStarted     EventKind = "stage-started"
	EventStageCached      EventKind = "stage-cached"
	EventStepStarted      EventKind = "step-started"
	EventStepLog          EventKind = "step-log"
	EventStepCompleted    EventKind = "step-completed"
	EventStageCompleted   EventKind = "stage-completed"
	EventApprovalRequired EventKind = "approval-required"
	EventApprovalResolved EventKind = "approval-resolved"
	EventBuildCompleted   EventKind = "build-completed"
)

// Critical reports whether a kind is a lifecycle event that must not be
// silently dropped by the Event Bus's ephemeral plane.
func (k EventKind) Critical() bool {
	switch k {
	case EventBuildStarted, EventBuildCompleted, EventApprovalRequired, EventApprovalResolved:
		return true
	default:
		return false
	}
}

// BuildEvent is an append-only record of orchestration progress.
type BuildEvent struct {
	EventID    EventID         `gorm:"primaryKey;type:text;column:event_id" json:"event_id"`
	BuildID    string          `gorm:"type:text;not null;index:idx_event_build" json:"build_id"`
	OrgIDValue string          `gorm:"column:org_id;type:text;not null;index" json:"org_id"`
	Kind       EventKind       `gorm:"type:text;not null" json:"kind"`
	StageName  string          `gorm:"type:text" json:"stage_name,omitempty"`
	StepName   string          `gorm:"type:text" json:"step_name,omitempty"`
	Payload    json.RawMessage `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (BuildEvent) TableName() string { return "build_events" }
func (e BuildEvent) OrgID() string   { return e.OrgIDValue }

// QueuePriority is the relative scheduling priority of a queue entry.
type QueuePriority string

const (
	PriorityHigh   QueuePriority = "high"
	PriorityNormal QueuePriority = "normal"
	PriorityLow    QueuePriority = "low"
)

// rank returns a numeric sort key, higher sorts first.
func (p QueuePriority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Rank exposes the priority's numeric ordering for store queries that
// cannot express the enum directly (e.g. `ORDER BY priority_rank DESC`).
func (p QueuePriority) Rank() int { return p.rank() }

// QueueEntryStatus is the lifecycle status of a durable queue entry.
type QueueEntryStatus string

const (
	QueuePending QueueEntryStatus = "pending"
	QueueClaimed QueueEntryStatus = "claimed"
	QueueDone    QueueEntryStatus = "done"
)

// QueueEntry is a durable, priority-ordered build dispatch request.
type QueueEntry struct {
	ID         string           `gorm:"primaryKey;type:text" json:"id"`
	OrgIDValue string           `gorm:"column:org_id;type:text;not null;index" json:"org_id"`
	JobID      string           `gorm:"type:text;not null" json:"job_id"`
	Priority   QueuePriority    `gorm:"type:text;not null" json:"priority"`
	PriorityRank int            `gorm:"not null;index:idx_queue_dequeue" json:"-"`
	Payload    json.RawMessage  `gorm:"type:text" json:"payload"`
	Status     QueueEntryStatus `gorm:"type:text;not null;index:idx_queue_dequeue" json:"status"`
	EnqueuedAt time.Time        `gorm:"autoCreateTime;index:idx_queue_dequeue" json:"enqueued_at"`
	ClaimedAt  *time.Time       `json:"claimed_at,omitempty"`
	ClaimedBy  string           `gorm:"type:text" json:"claimed_by,omitempty"`
}

func (QueueEntry) TableName() string { return "build_queue" }
func (e QueueEntry) OrgID() string   { return e.OrgIDValue }

// AgentStatus is the liveness status of a remote agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// StringSet is a JSON-encoded set of labels, stored as TEXT.
type StringSet []string

// Agent is a remote worker that accepts dispatched builds.
type Agent struct {
	ID              string      `gorm:"primaryKey;type:text" json:"id"`
	OrgIDValue      *string     `gorm:"column:org_id;type:text;index" json:"org_id,omitempty"`
	Name            string      `gorm:"type:text;not null" json:"name"`
	URL             string      `gorm:"type:text;not null" json:"url"`
	Labels          StringSet   `gorm:"type:text;serializer:json" json:"labels"`
	MaxBuilds       int         `gorm:"not null;default:2" json:"max_builds"`
	CurrentBuilds   int         `gorm:"not null;default:0" json:"current_builds"`
	CPUCores        int         `json:"cpu_cores,omitempty"`
	MemoryGB        int         `json:"memory_gb,omitempty"`
	Region          string      `gorm:"type:text" json:"region,omitempty"`
	LastHeartbeatAt time.Time   `gorm:"index" json:"last_heartbeat_at"`
	Status          AgentStatus `gorm:"type:text;not null" json:"status"`
	AuthToken       string      `gorm:"type:text" json:"-"`
}

func (Agent) TableName() string { return "agents" }

// OrgID returns the empty string for a shareable (org-less) agent.
func (a Agent) OrgID() string {
	if a.OrgIDValue == nil {
		return ""
	}
	return *a.OrgIDValue
}

// CacheEntry is an immutable artifact/dependency cache entry.
type CacheEntry struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	OrgIDValue string    `gorm:"column:org_id;type:text;not null;index" json:"org_id"`
	JobID      string    `gorm:"type:text;not null;uniqueIndex:idx_cache_job_key" json:"job_id"`
	CacheKey   string    `gorm:"type:text;not null;uniqueIndex:idx_cache_job_key" json:"cache_key"`
	Paths      StringSet `gorm:"type:text;serializer:json" json:"paths"`
	SizeBytes  int64     `json:"size_bytes"`
	HitCount   int64     `gorm:"not null;default:0" json:"hit_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CacheEntry) TableName() string { return "cache_entries" }
func (c CacheEntry) OrgID() string   { return c.OrgIDValue }

// StageCacheEntry is a content-addressed result cache entry, keyed by fingerprint.
type StageCacheEntry struct {
	OrgIDValue  string          `gorm:"column:org_id;type:text;not null;index" json:"org_id"`
	JobID       string          `gorm:"type:text;not null;uniqueIndex:idx_stage_cache_fp" json:"job_id"`
	Fingerprint string          `gorm:"type:text;not null;uniqueIndex:idx_stage_cache_fp" json:"fingerprint"`
	StageName   string          `gorm:"type:text;not null" json:"stage_name"`
	StageResult json.RawMessage `gorm:"type:text" json:"stage_result"`
	GitCommit   string          `gorm:"type:text" json:"git_commit"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (StageCacheEntry) TableName() string { return "stage_cache" }
func (s StageCacheEntry) OrgID() string   { return s.OrgIDValue }

// ApprovalStatus is the lifecycle status of an approval gate.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalTimedOut  ApprovalStatus = "timed-out"
)

// ApprovalGate is a suspended stage awaiting human approval.
type ApprovalGate struct {
	ID                string         `gorm:"primaryKey;type:text" json:"id"`
	BuildID           string         `gorm:"type:text;not null;index:idx_approval_build_status" json:"build_id"`
	StageName         string         `gorm:"type:text;not null" json:"stage_name"`
	RequiredApprovals int            `gorm:"not null" json:"required_approvals"`
	ApprovalCount     int            `gorm:"not null;default:0" json:"approval_count"`
	ApproverIDs       StringSet      `gorm:"type:text;serializer:json" json:"approver_ids"`
	Status            ApprovalStatus `gorm:"type:text;not null;index:idx_approval_build_status" json:"status"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	TimeoutAt         time.Time      `gorm:"index" json:"timeout_at"`
}

func (ApprovalGate) TableName() string { return "build_approvals" }

// Artifact is a file collected from a build's workspace.
type Artifact struct {
	ID                string  `gorm:"primaryKey;type:text" json:"id"`
	BuildID           string  `gorm:"type:text;not null;index" json:"build_id"`
	Filename          string  `gorm:"type:text;not null" json:"filename"`
	Path              string  `gorm:"type:text;not null" json:"path"`
	SizeBytes         int64   `json:"size_bytes"`
	ContentType       string  `gorm:"type:text" json:"content_type,omitempty"`
	SHA256            string  `gorm:"type:text;index" json:"sha256"`
	DeltaBaseID       *string `gorm:"type:text" json:"delta_base_id,omitempty"`
	IsDelta           bool    `gorm:"not null;default:false" json:"is_delta"`
	OriginalSizeBytes *int64  `json:"original_size_bytes,omitempty"`
}

func (Artifact) TableName() string { return "build_artifacts" }

// Secret is an org-scoped, AES-256-GCM-encrypted secret value.
type Secret struct {
	ID           string `gorm:"primaryKey;type:text" json:"id"`
	OrgIDValue   string `gorm:"column:org_id;type:text;not null;uniqueIndex:idx_secret_scope_name" json:"org_id"`
	Scope        string `gorm:"type:text;not null;uniqueIndex:idx_secret_scope_name" json:"scope"` // "job:<job_id>" or "global"
	Name         string `gorm:"type:text;not null;uniqueIndex:idx_secret_scope_name" json:"name"`
	CiphertextB64 string `gorm:"type:text;not null;column:ciphertext_b64" json:"ciphertext_b64"`
	IVB64        string `gorm:"type:text;not null;column:iv_b64" json:"iv_b64"`
}

func (Secret) TableName() string { return "secrets" }
func (s Secret) OrgID() string   { return s.OrgIDValue }
