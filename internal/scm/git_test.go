// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package scm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=tester", "GIT_AUTHOR_EMAIL=tester@example.com",
			"GIT_COMMITTER_NAME=tester", "GIT_COMMITTER_EMAIL=tester@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func TestGitProvider_ChecksOutBranch(t *testing.T) {
	requireGit(t)
	src := initSourceRepo(t)
	p := NewGitProvider()

	dest := filepath.Join(t.TempDir(), "checkout")
	result, err := p.Checkout(context.Background(), src, Ref{Branch: "main"}, dest, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ResolvedAt)

	_, err = os.Stat(filepath.Join(dest, "README.md"))
	assert.NoError(t, err)
}

func TestGitProvider_RejectsEmptyRepoURL(t *testing.T) {
	p := NewGitProvider()
	_, err := p.Checkout(context.Background(), "", Ref{}, t.TempDir(), 0)
	assert.Error(t, err)
}

func TestGitProvider_RejectsInvalidCommitRef(t *testing.T) {
	requireGit(t)
	src := initSourceRepo(t)
	p := NewGitProvider()
	_, err := p.Checkout(context.Background(), src, Ref{Commit: "not a sha; rm -rf /"}, filepath.Join(t.TempDir(), "d"), 0)
	assert.Error(t, err)
}

func TestGitProvider_Metadata(t *testing.T) {
	requireGit(t)
	src := initSourceRepo(t)
	p := NewGitProvider()
	dest := filepath.Join(t.TempDir(), "checkout")
	_, err := p.Checkout(context.Background(), src, Ref{Branch: "main"}, dest, 0)
	require.NoError(t, err)

	meta, err := p.Metadata(context.Background(), dest, "main")
	require.NoError(t, err)
	assert.Equal(t, "tester", meta.Author)
	assert.Equal(t, "tester@example.com", meta.Email)
	assert.Equal(t, "initial commit", meta.Message)
	assert.Len(t, meta.ShortCommit, 7)
}
