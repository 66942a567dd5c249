// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	m, err := New(root)
	require.NoError(t, err)
	info, err := os.Stat(m.Root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAllocateAndCleanup(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)

	dir, err := m.Allocate("build-1")
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, m.Cleanup("build-1"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestResolve_RejectsEmptyBuildID(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = m.Resolve("")
	assert.Error(t, err)
}

func TestResolve_RejectsEscape(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = m.Resolve("../../etc")
	assert.Error(t, err)
}

func TestSubPath_RejectsTraversal(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = m.Allocate("build-1")
	require.NoError(t, err)

	_, err = m.SubPath("build-1", "../../escape")
	assert.Error(t, err)

	p, err := m.SubPath("build-1", "artifacts/out.tar")
	require.NoError(t, err)
	assert.Contains(t, p, "build-1")
}
