// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache implements the Stage/Artifact Cache (C5): content-addressed
// restore-key lookups for artifact/dependency directories, and deterministic
// fingerprinting of stage executions for the result cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// buildVaryingEnvKeys are excluded from the stable-env component of a stage
// fingerprint because they differ across otherwise-identical runs (§4.5).
var buildVaryingEnvKeys = map[string]bool{
	"BUILD_ID":       true,
	"BUILD_NUMBER":   true,
	"WORKSPACE_PATH": true,
	"JOB_NAME":       true,
}

// StageFingerprint computes the SHA-256 fingerprint identifying an
// idempotent stage execution (P7): a hash over
// `git_commit | stage_name | sorted(commands) | sorted(stable_env)`.
func StageFingerprint(gitCommit, stageName string, commands []string, env map[string]string) string {
	sortedCommands := append([]string{}, commands...)
	sort.Strings(sortedCommands)

	stableKeys := make([]string, 0, len(env))
	for k := range env {
		if !buildVaryingEnvKeys[k] {
			stableKeys = append(stableKeys, k)
		}
	}
	sort.Strings(stableKeys)

	var sb strings.Builder
	sb.WriteString(gitCommit)
	sb.WriteByte('|')
	sb.WriteString(stageName)
	sb.WriteByte('|')
	sb.WriteString(strings.Join(sortedCommands, ","))
	sb.WriteByte('|')
	for _, k := range stableKeys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(env[k])
		sb.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// HashFile streams path through SHA-256 in 8 KiB reads, returning its hex digest. Used by
// pipeline `hashFiles(...)` cache-key directives.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	// Wrapping f hides its WriterTo so io.CopyBuffer really uses the 8 KiB buffer.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{f}, make([]byte, 8*1024)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFiles computes a single combined digest over every file matched by
// globs, sorted for determinism, supporting multi-file `hashFiles(...)`
// cache-key directives.
func HashFiles(root string, globs []string) (string, error) {
	var matches []string
	for _, g := range globs {
		found, err := filepath.Glob(filepath.Join(root, g))
		if err != nil {
			return "", fmt.Errorf("glob %s: %w", g, err)
		}
		matches = append(matches, found...)
	}
	sort.Strings(matches)

	h := sha256.New()
	for _, m := range matches {
		f, err := os.Open(m)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", m, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hash %s: %w", m, err)
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
