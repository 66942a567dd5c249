// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/forgecore/forgecore/internal/cache"
	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
)

const (
	deltaBlockSize        = 4096
	deltaSavingsThreshold = 0.20
)

// deltaBlock is one changed 4 KiB block relative to the base artifact.
type deltaBlock struct {
	Index int64
	Data  []byte
}

// deltaFile is the block-level delta encoding persisted for an incremental
// artifact: every block not listed in Blocks is copied from the base.
type deltaFile struct {
	BlockSize   int
	TotalBlocks int64
	FinalSize   int64
	Blocks      []deltaBlock
}

// collectArtifacts glob-matches patterns against workDir and persists each
// matched file, encoding it as a block delta against the most recent
// same-filename artifact when doing so saves more than deltaSavingsThreshold
// (§4.9 step 11).
func (ex *Executor) collectArtifacts(ctx context.Context, build *model.Build, job *model.Job, patterns []string, workDir string) error {
	if len(patterns) == 0 || ex.Artifacts == nil {
		return nil
	}
	if err := os.MkdirAll(ex.ArtifactBlobDir, 0o755); err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("create artifact blob dir: %w", err))
	}

	var matches []string
	for _, g := range patterns {
		found, err := filepath.Glob(filepath.Join(workDir, g))
		if err != nil {
			return errkind.New(errkind.ArtifactIO, fmt.Errorf("glob %q: %w", g, err))
		}
		matches = append(matches, found...)
	}
	sort.Strings(matches)

	for _, abs := range matches {
		if err := ex.collectOneArtifact(ctx, build, job, workDir, abs); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) collectOneArtifact(ctx context.Context, build *model.Build, job *model.Job, workDir, abs string) error {
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil
	}
	rel, err := filepath.Rel(workDir, abs)
	if err != nil {
		rel = filepath.Base(abs)
	}
	sum, err := cache.HashFile(abs)
	if err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("hash artifact %s: %w", rel, err))
	}

	artifact := &model.Artifact{
		ID: uuid.NewString(), BuildID: build.ID, Filename: filepath.Base(rel),
		Path: rel, SizeBytes: info.Size(), SHA256: sum,
	}

	prev, err := ex.Artifacts.FindLatestByFilename(ctx, job.ID, artifact.Filename, build.ID)
	if err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("look up delta base for %s: %w", rel, err))
	}

	if prev != nil && prev.SHA256 != sum {
		if basePath := ex.blobPath(prev.SHA256); fileExists(basePath) {
			delta, savings, derr := computeBlockDelta(basePath, abs)
			if derr == nil && savings > deltaSavingsThreshold {
				if err := ex.writeDeltaBlob(artifact.ID, delta); err == nil {
					orig := info.Size()
					artifact.IsDelta = true
					artifact.DeltaBaseID = &prev.ID
					artifact.OriginalSizeBytes = &orig
				}
			}
		}
		// A missing base blob here just means no prior full copy survived to
		// diff against; the artifact is archived in full below instead of
		// failing outright. Reconstruction of an existing delta chain with a
		// pruned link is what fails with errkind.ArtifactIO (see Reconstruct).
	}

	if !artifact.IsDelta {
		if err := copyFile(abs, ex.blobPath(sum)); err != nil {
			return errkind.New(errkind.ArtifactIO, fmt.Errorf("archive artifact %s: %w", rel, err))
		}
	}

	if err := ex.Artifacts.CreateArtifact(ctx, artifact); err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("persist artifact record %s: %w", rel, err))
	}
	return nil
}

func (ex *Executor) blobPath(sha string) string {
	return filepath.Join(ex.ArtifactBlobDir, sha)
}

func (ex *Executor) deltaBlobPath(artifactID string) string {
	return filepath.Join(ex.ArtifactBlobDir, "deltas", artifactID+".delta")
}

func (ex *Executor) writeDeltaBlob(artifactID string, data []byte) error {
	path := ex.deltaBlobPath(artifactID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	if fileExists(dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// computeBlockDelta diffs newPath against basePath in deltaBlockSize chunks,
// returning the gob-encoded deltaFile and the fraction of bytes saved
// relative to newPath's full size.
func computeBlockDelta(basePath, newPath string) ([]byte, float64, error) {
	base, err := os.Open(basePath)
	if err != nil {
		return nil, 0, err
	}
	defer base.Close()
	newer, err := os.Open(newPath)
	if err != nil {
		return nil, 0, err
	}
	defer newer.Close()

	newInfo, err := newer.Stat()
	if err != nil {
		return nil, 0, err
	}

	var blocks []deltaBlock
	baseBuf := make([]byte, deltaBlockSize)
	newBuf := make([]byte, deltaBlockSize)
	var idx int64
	for {
		nn, newErr := io.ReadFull(newer, newBuf)
		if nn == 0 {
			break
		}
		nb, _ := io.ReadFull(base, baseBuf)
		if nb != nn || !bytes.Equal(baseBuf[:nb], newBuf[:nn]) {
			changed := make([]byte, nn)
			copy(changed, newBuf[:nn])
			blocks = append(blocks, deltaBlock{Index: idx, Data: changed})
		}
		idx++
		if newErr == io.EOF || newErr == io.ErrUnexpectedEOF {
			break
		}
		if newErr != nil {
			return nil, 0, newErr
		}
	}

	df := deltaFile{BlockSize: deltaBlockSize, TotalBlocks: idx, FinalSize: newInfo.Size(), Blocks: blocks}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(df); err != nil {
		return nil, 0, err
	}

	savings := 1 - float64(buf.Len())/float64(newInfo.Size())
	return buf.Bytes(), savings, nil
}

// ArtifactLookup resolves an artifact by id, used by Reconstruct to walk a
// delta chain back to its full-content ancestor.
type ArtifactLookup func(id string) (*model.Artifact, error)

// Reconstruct rebuilds an artifact's full content, recursively applying
// delta blocks over their base until a full copy is reached. It fails with
// errkind.ArtifactIO (Q3) if any base artifact record or blob in the chain
// has since been pruned.
func (ex *Executor) Reconstruct(a *model.Artifact, lookup ArtifactLookup) ([]byte, error) {
	if !a.IsDelta {
		data, err := os.ReadFile(ex.blobPath(a.SHA256))
		if err != nil {
			return nil, errkind.New(errkind.ArtifactIO, fmt.Errorf("read artifact blob %s: %w", a.SHA256, err))
		}
		return data, nil
	}
	if a.DeltaBaseID == nil {
		return nil, errkind.New(errkind.ArtifactIO, fmt.Errorf("artifact %s is marked delta but has no base", a.ID))
	}

	base, err := lookup(*a.DeltaBaseID)
	if err != nil || base == nil {
		return nil, errkind.New(errkind.ArtifactIO, fmt.Errorf("delta base %s for artifact %s has been pruned", *a.DeltaBaseID, a.ID))
	}
	baseData, err := ex.Reconstruct(base, lookup)
	if err != nil {
		return nil, err
	}

	deltaBytes, err := os.ReadFile(ex.deltaBlobPath(a.ID))
	if err != nil {
		return nil, errkind.New(errkind.ArtifactIO, fmt.Errorf("delta blob for artifact %s has been pruned: %w", a.ID, err))
	}
	var df deltaFile
	if err := gob.NewDecoder(bytes.NewReader(deltaBytes)).Decode(&df); err != nil {
		return nil, errkind.New(errkind.ArtifactIO, fmt.Errorf("decode delta for artifact %s: %w", a.ID, err))
	}

	changed := make(map[int64][]byte, len(df.Blocks))
	for _, b := range df.Blocks {
		changed[b.Index] = b.Data
	}

	out := make([]byte, 0, df.FinalSize)
	for i := int64(0); i < df.TotalBlocks; i++ {
		if data, ok := changed[i]; ok {
			out = append(out, data...)
			continue
		}
		start := i * int64(df.BlockSize)
		if start >= int64(len(baseData)) {
			return nil, errkind.New(errkind.ArtifactIO, fmt.Errorf("delta base for artifact %s is shorter than expected, reconstruction failed", a.ID))
		}
		end := start + int64(df.BlockSize)
		if end > int64(len(baseData)) {
			end = int64(len(baseData))
		}
		out = append(out, baseData[start:end]...)
	}
	return out, nil
}
