// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace allocates and tears down the per-build working
// directory tree (C2). Every build gets its own confined subtree under the
// configured root; stages and steps run with that subtree as their working
// directory and cannot escape it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager allocates per-build workspace directories under Root.
type Manager struct {
	Root string
}

// New returns a Manager rooted at root. root is created if missing.
func New(root string) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{Root: absRoot}, nil
}

// Allocate creates (or returns, if it already exists) the directory for
// buildID and returns its absolute path.
func (m *Manager) Allocate(buildID string) (string, error) {
	dir, err := m.Resolve(buildID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("allocate workspace for build %s: %w", buildID, err)
	}
	return dir, nil
}

// Resolve returns the path a build's workspace would live at without
// creating it, rejecting any buildID that would escape Root.
func (m *Manager) Resolve(buildID string) (string, error) {
	if buildID == "" {
		return "", fmt.Errorf("build id cannot be empty")
	}
	dir := filepath.Join(m.Root, buildID)
	cleaned := filepath.Clean(dir)
	if cleaned != dir || !strings.HasPrefix(cleaned, m.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("build id %q escapes workspace root", buildID)
	}
	return cleaned, nil
}

// Cleanup removes a build's workspace directory entirely.
func (m *Manager) Cleanup(buildID string) error {
	dir, err := m.Resolve(buildID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup workspace for build %s: %w", buildID, err)
	}
	return nil
}

// SubPath joins a relative path under a build's workspace, rejecting any
// traversal outside of it.
func (m *Manager) SubPath(buildID, rel string) (string, error) {
	base, err := m.Resolve(buildID)
	if err != nil {
		return "", err
	}
	joined := filepath.Clean(filepath.Join(base, rel))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes build workspace", rel)
	}
	return joined, nil
}
