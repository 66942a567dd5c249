// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

// Manager implements the artifact/dependency cache and the stage-result
// cache on top of the abstract Store, with cache blobs archived to BlobDir
// as gzip'd tarballs addressed by job id + cache key.
type Manager struct {
	store   store.Store
	BlobDir string
}

// New returns a Manager that archives blobs under blobDir.
func New(s store.Store, blobDir string) *Manager {
	return &Manager{store: s, BlobDir: blobDir}
}

func (m *Manager) blobPath(jobID, cacheKey string) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(cacheKey)
	return filepath.Join(m.BlobDir, jobID, safe+".tar.gz")
}

// Save archives workDir's paths under cacheKey. Per I5, if an entry already
// exists for {job_id, cache_key} the save is a silent no-op and the
// existing blob is left untouched.
func (m *Manager) Save(ctx context.Context, orgID, jobID, cacheKey, workDir string, paths []string) error {
	existing, err := m.store.GetCacheEntry(ctx, jobID, cacheKey)
	if err != nil {
		return errkind.New(errkind.CacheIO, fmt.Errorf("check existing cache entry: %w", err))
	}
	if existing != nil {
		return nil
	}

	blobPath := m.blobPath(jobID, cacheKey)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return errkind.New(errkind.CacheIO, fmt.Errorf("create cache blob dir: %w", err))
	}

	size, err := archivePaths(blobPath, workDir, paths)
	if err != nil {
		return errkind.New(errkind.CacheIO, fmt.Errorf("archive cache paths: %w", err))
	}

	entry := &model.CacheEntry{
		ID:         uuid.NewString(),
		OrgIDValue: orgID,
		JobID:      jobID,
		CacheKey:   cacheKey,
		Paths:      model.StringSet(paths),
		SizeBytes:  size,
	}
	if err := m.store.SaveCacheEntry(ctx, entry); err != nil {
		return errkind.New(errkind.CacheIO, fmt.Errorf("persist cache entry: %w", err))
	}
	return nil
}

// Restore looks up cacheKey exactly, then falls back to restoreKeys in
// order, using the most recently saved entry whose cache_key begins with
// each prefix (Q2). It returns the matched cache key, or "" if nothing
// matched.
func (m *Manager) Restore(ctx context.Context, jobID, cacheKey string, restoreKeys []string, destDir string) (string, error) {
	entry, err := m.store.GetCacheEntry(ctx, jobID, cacheKey)
	if err != nil {
		return "", errkind.New(errkind.CacheIO, fmt.Errorf("lookup cache entry: %w", err))
	}
	if entry == nil {
		for _, prefix := range restoreKeys {
			entry, err = m.store.FindMostRecentByPrefix(ctx, jobID, prefix)
			if err != nil {
				return "", errkind.New(errkind.CacheIO, fmt.Errorf("lookup cache prefix %q: %w", prefix, err))
			}
			if entry != nil {
				break
			}
		}
	}
	if entry == nil {
		return "", nil
	}

	blobPath := m.blobPath(jobID, entry.CacheKey)
	if err := extractArchive(blobPath, destDir); err != nil {
		return "", errkind.New(errkind.CacheIO, fmt.Errorf("extract cache blob: %w", err))
	}
	if err := m.store.IncrementHitCount(ctx, entry.ID); err != nil {
		return "", errkind.New(errkind.CacheIO, fmt.Errorf("record cache hit: %w", err))
	}
	return entry.CacheKey, nil
}

// Evict deletes the cache entry rows older than maxAge and returns how many
// were removed. Their blob files under BlobDir are not deleted.
func (m *Manager) Evict(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := m.store.EvictOlderThan(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, errkind.New(errkind.CacheIO, fmt.Errorf("evict expired cache entries: %w", err))
	}
	return n, nil
}

// SaveStageResult persists a stage-result cache entry keyed by fingerprint,
// carrying the stage's serialized outcome for verbatim reuse.
func (m *Manager) SaveStageResult(ctx context.Context, orgID, jobID, fingerprint, stageName, gitCommit string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errkind.New(errkind.CacheIO, fmt.Errorf("marshal stage result: %w", err))
	}
	entry := &model.StageCacheEntry{
		OrgIDValue:  orgID,
		JobID:       jobID,
		Fingerprint: fingerprint,
		StageName:   stageName,
		StageResult: payload,
		GitCommit:   gitCommit,
	}
	if err := m.store.SaveStageResult(ctx, entry); err != nil {
		return errkind.New(errkind.CacheIO, fmt.Errorf("persist stage result: %w", err))
	}
	return nil
}

// LookupStageResult returns the cached result for fingerprint, if any (P7).
func (m *Manager) LookupStageResult(ctx context.Context, jobID, fingerprint string) (*model.StageCacheEntry, error) {
	entry, err := m.store.GetStageResult(ctx, jobID, fingerprint)
	if err != nil {
		return nil, errkind.New(errkind.CacheIO, fmt.Errorf("lookup stage result: %w", err))
	}
	return entry, nil
}

func archivePaths(blobPath, workDir string, paths []string) (int64, error) {
	f, err := os.Create(blobPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	var total int64
	for _, p := range paths {
		abs := filepath.Join(workDir, p)
		err := filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			rel, err := filepath.Rel(workDir, path)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer src.Close()
			n, err := io.Copy(tw, src)
			total += n
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

func extractArchive(blobPath, destDir string) error {
	destDir = filepath.Clean(destDir)
	f, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Clean(filepath.Join(destDir, hdr.Name))
		if target != destDir && !strings.HasPrefix(target, destDir+string(filepath.Separator)) {
			return errkind.New(errkind.CacheIO, fmt.Errorf("archive entry %q escapes destination directory", hdr.Name))
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
