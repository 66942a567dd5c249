// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MessageHasNoStageOrStep(t *testing.T) {
	err := New(SecretMissing, errors.New("boom"))
	assert.Equal(t, `secret-missing: boom`, err.Error())
}

func TestNewStage_MessageIncludesStage(t *testing.T) {
	err := NewStage(DAGCycle, "build", errors.New("cycle"))
	assert.Equal(t, `dag-cycle: stage "build": cycle`, err.Error())
}

func TestNewStep_MessageIncludesStageAndStep(t *testing.T) {
	err := NewStep(StepNonzeroExit, "build", "compile", errors.New("exit 1"))
	assert.Equal(t, `step-nonzero-exit: stage "build" step "compile": exit 1`, err.Error())
}

func TestOf_FindsKindOfError(t *testing.T) {
	inner := NewStage(PolicyDenied, "deploy", errors.New("nope"))
	kind, ok := Of(inner)
	require.True(t, ok)
	assert.Equal(t, PolicyDenied, kind)
}

func TestIs_MatchesKind(t *testing.T) {
	err := New(BreakerOpen, errors.New("open"))
	assert.True(t, Is(err, BreakerOpen))
	assert.False(t, Is(err, QueueStalled))
}

func TestOf_NoKindFound(t *testing.T) {
	_, ok := Of(errors.New("plain"))
	assert.False(t, ok)
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := New(CacheIO, inner)
	assert.ErrorIs(t, err, inner)
}
