// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContainerCommand_HappyPath(t *testing.T) {
	cmd, err := BuildContainerCommand(ContainerCommandSpec{
		Image:   "golang:1.22",
		Workdir: "/work",
		Env:     map[string]string{"CGO_ENABLED": "0"},
		Command: "go build ./...",
	})
	require.NoError(t, err)
	assert.Contains(t, cmd, "docker run --rm")
	assert.Contains(t, cmd, "-w '/work'")
	assert.Contains(t, cmd, "-e CGO_ENABLED='0'")
	assert.Contains(t, cmd, "golang:1.22")
}

func TestBuildContainerCommand_RejectsInvalidEnvKey(t *testing.T) {
	_, err := BuildContainerCommand(ContainerCommandSpec{
		Image:   "golang:1.22",
		Env:     map[string]string{"$(rm -rf /)": "1"},
		Command: "true",
	})
	require.Error(t, err)
}

func TestBuildContainerCommand_EnvKeyCannotInjectFlags(t *testing.T) {
	// An env key crafted to look like a second docker flag must be rejected
	// outright rather than interpolated unescaped into the command string.
	_, err := BuildContainerCommand(ContainerCommandSpec{
		Image:   "golang:1.22",
		Env:     map[string]string{"X -v /:/host": "1"},
		Command: "true",
	})
	require.Error(t, err)
}
