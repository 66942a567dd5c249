// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errkind defines the stable, string-kinded error taxonomy used to
// classify every terminal build/stage/step failure (see §7).
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a stable, string-kinded error classification.
type Kind string

const (
	CheckoutFailed       Kind = "checkout-failed"
	PipelineNotFound     Kind = "pipeline-not-found"
	PipelineInvalid      Kind = "pipeline-invalid"
	ExpressionResolution Kind = "expression-resolution"
	MatrixExplosion      Kind = "matrix-explosion"
	DAGCycle             Kind = "dag-cycle"
	DAGUnresolved        Kind = "dag-unresolved"
	SecretMissing        Kind = "secret-missing"
	PolicyDenied         Kind = "policy-denied"
	ApprovalRejected     Kind = "approval-rejected"
	ApprovalTimeout      Kind = "approval-timeout"
	StepTimeout          Kind = "step-timeout"
	StepNonzeroExit      Kind = "step-nonzero-exit"
	StepAborted          Kind = "step-aborted"
	CacheIO              Kind = "cache-io"
	ArtifactIO           Kind = "artifact-io"
	NoAgentAvailable     Kind = "no-agent-available"
	DispatchFailed       Kind = "dispatch-failed"
	BreakerOpen          Kind = "breaker-open"
	Orphaned             Kind = "orphaned"
	AgentAuthFailed      Kind = "agent-auth-failed"
	QueueStalled         Kind = "queue-stalled"
	StoreConflict        Kind = "store-conflict"
)

// Error is a wrapped error carrying a stable Kind plus the stage/step it
// occurred in, matching the module's plain fmt.Errorf("...: %w", err) idiom.
type Error struct {
	Kind Kind
	Stage string
	Step  string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Step != "":
		return fmt.Sprintf("%s: stage %q step %q: %v", e.Kind, e.Stage, e.Step, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("%s: stage %q: %v", e.Kind, e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind, with no stage/step context.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewStage wraps err with kind and the stage it occurred in.
func NewStage(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// NewStep wraps err with kind and the stage/step it occurred in.
func NewStep(kind Kind, stage, step string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Step: step, Err: err}
}

// Of returns the Kind carried by err, if any, and whether one was found.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
