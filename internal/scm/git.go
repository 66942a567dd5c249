// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scm provides the source-checkout provider used by the build
// runner (C1's checkout phase, §4.9 step 1). It carries forward the
// teacher's safe-git-command pattern from the orchestrator's git service:
// an allowlist of git subcommands, a minimal scrubbed environment, and
// validated arguments, applied here to clone/fetch/checkout instead of
// worktree management.
package scm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/forgecore/forgecore/internal/errkind"
)

const defaultCommandTimeout = 2 * time.Minute

var allowedGitOperations = map[string]bool{
	"clone":     true,
	"fetch":     true,
	"checkout":  true,
	"rev-parse": true,
	"init":      true,
	"remote":    true,
	"log":       true,
}

var commitHashRegex = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)

// Ref identifies what to check out: either an explicit commit SHA or a
// branch/tag name to resolve against the remote's default ref.
type Ref struct {
	Commit string
	Branch string
}

// CheckoutResult reports what was actually materialized on disk.
type CheckoutResult struct {
	Dir        string
	ResolvedAt string // resolved commit SHA
}

// CommitMetadata is the checked-out commit detail injected as GIT_* step
// environment variables (§4.9 step 2).
type CommitMetadata struct {
	Commit      string
	ShortCommit string
	Branch      string
	Author      string
	Email       string
	Message     string
}

// Provider checks a repository out to a local directory.
type Provider interface {
	Checkout(ctx context.Context, repoURL string, ref Ref, destDir string, depth int) (*CheckoutResult, error)
	Metadata(ctx context.Context, dir, branch string) (*CommitMetadata, error)
}

// GitProvider implements Provider via the system `git` binary.
type GitProvider struct{}

// NewGitProvider returns a GitProvider.
func NewGitProvider() *GitProvider { return &GitProvider{} }

func (p *GitProvider) Checkout(ctx context.Context, repoURL string, ref Ref, destDir string, depth int) (*CheckoutResult, error) {
	if repoURL == "" {
		return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("repository url cannot be empty"))
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()
	destDir, err := filepath.Abs(destDir)
	if err != nil {
		return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("resolve destination: %w", err))
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("create workspace dir: %w", err))
	}

	cloneArgs := []string{"clone", "--no-checkout"}
	if depth > 0 {
		cloneArgs = append(cloneArgs, "--depth", fmt.Sprintf("%d", depth))
	}
	if ref.Branch != "" && ref.Commit == "" {
		cloneArgs = append(cloneArgs, "--branch", ref.Branch)
	}
	cloneArgs = append(cloneArgs, repoURL, destDir)

	if err := p.run(ctx, "", cloneArgs...); err != nil {
		return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("clone: %w", err))
	}

	checkoutTarget := ref.Commit
	if checkoutTarget == "" {
		checkoutTarget = ref.Branch
	}
	if checkoutTarget == "" {
		checkoutTarget = "HEAD"
	}
	if ref.Commit != "" && !commitHashRegex.MatchString(ref.Commit) {
		return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("invalid commit reference %q", ref.Commit))
	}

	if ref.Commit != "" && depth > 0 {
		if err := p.run(ctx, destDir, "fetch", "--depth", fmt.Sprintf("%d", depth), "origin", ref.Commit); err != nil {
			return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("fetch commit: %w", err))
		}
	}

	if err := p.run(ctx, destDir, "checkout", checkoutTarget); err != nil {
		return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("checkout %q: %w", checkoutTarget, err))
	}

	resolved, err := p.resolveHead(ctx, destDir)
	if err != nil {
		return nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("resolve head: %w", err))
	}

	return &CheckoutResult{Dir: destDir, ResolvedAt: resolved}, nil
}

// Metadata reads the checked-out HEAD commit's author/email/subject for
// GIT_AUTHOR/GIT_EMAIL/GIT_MESSAGE injection.
func (p *GitProvider) Metadata(ctx context.Context, dir, branch string) (*CommitMetadata, error) {
	commit, err := p.resolveHead(ctx, dir)
	if err != nil {
		return nil, err
	}

	cmd, err := p.buildCommand(ctx, dir, "log", "-1", "--format=%an%x1f%ae%x1f%s")
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("read commit metadata: %w", err)
	}

	meta := &CommitMetadata{Commit: commit, Branch: branch}
	if len(commit) >= 7 {
		meta.ShortCommit = commit[:7]
	} else {
		meta.ShortCommit = commit
	}
	fields := strings.Split(strings.TrimRight(string(out), "\n"), "\x1f")
	if len(fields) == 3 {
		meta.Author, meta.Email, meta.Message = fields[0], fields[1], fields[2]
	}
	return meta, nil
}

func (p *GitProvider) resolveHead(ctx context.Context, dir string) (string, error) {
	cmd, err := p.buildCommand(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *GitProvider) run(ctx context.Context, dir string, args ...string) error {
	cmd, err := p.buildCommand(ctx, dir, args...)
	if err != nil {
		return err
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

func (p *GitProvider) buildCommand(ctx context.Context, dir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no git command specified")
	}
	if !allowedGitOperations[args[0]] {
		return nil, fmt.Errorf("git operation not allowed: %s", args[0])
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = []string{
		"HOME=" + os.Getenv("HOME"),
		"PATH=" + os.Getenv("PATH"),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
	}
	return cmd, nil
}
