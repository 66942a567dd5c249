// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor implements the Executor (C9): the central function that
// drives one build from workspace allocation through checkout, pipeline
// resolution, matrix/DAG expansion, stage/step execution, artifact
// collection and the pluggable policy/notify/SCM-status sinks of §6.6.
package executor

import (
	"context"

	"github.com/forgecore/forgecore/internal/model"
)

// SourceConfig is the job's source-checkout configuration (§6.1), decoded
// from model.Job.SourceConfig.
type SourceConfig struct {
	RepoURL      string `json:"repo_url"`
	Branch       string `json:"branch,omitempty"`
	PipelineFile string `json:"pipeline_file,omitempty"`
	CloneDepth   int    `json:"clone_depth,omitempty"`
}

// BuildInfo is the read-only view of a build passed to the pluggable
// policy/notify/SCM-status sinks.
type BuildInfo struct {
	OrgID       string
	JobID       string
	JobName     string
	BuildID     string
	BuildNumber int64
	Status      model.BuildStatus
	GitCommit   string
	GitBranch   string
	ErrorKind   string
	ErrorMsg    string
}

// PolicyFunc evaluates whether a build may proceed past a policy-gated
// stage, returning a human-readable reason on denial (§6.6 evaluate_policy).
type PolicyFunc func(ctx context.Context, info BuildInfo) (allow bool, reason string)

// ScmStatusFunc reports a build's outcome back to the source host (§6.6
// report_scm_status), e.g. a commit status check.
type ScmStatusFunc func(ctx context.Context, info BuildInfo) error

// NotifyFunc delivers a build result to one notification channel (§6.6
// notify), configured per-pipeline via pipeline.NotifierConfig.Config.
type NotifyFunc func(ctx context.Context, info BuildInfo, cfg map[string]string) error

// NotifierRegistry resolves a pipeline.NotifierConfig.Type tag to the
// NotifyFunc that implements it, so new notification channels are added by
// registering a function rather than modifying the Executor.
type NotifierRegistry map[string]NotifyFunc

// EventPublisher is the sink for lifecycle events the Executor emits as it
// runs a build (C4). *eventbus.Bus satisfies this directly on the master;
// a remote agent instead forwards each event to the master over HTTP.
type EventPublisher interface {
	Publish(ctx context.Context, ev *model.BuildEvent) error
}
