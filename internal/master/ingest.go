// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package master wires the build-orchestration server side: it turns
// results and artifacts an agent pushes back over HTTP into store writes,
// satisfying transport.ResultSink and transport.ArtifactSink (§4.12).
package master

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgecore/forgecore/internal/cache"
	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

// Ingest receives the final status and artifacts of builds the dispatcher
// sent to a remote agent, and persists them through the same store an
// executor.Executor running locally would use.
type Ingest struct {
	Builds    store.BuildStore
	Artifacts store.ArtifactStore
	BlobDir   string

	log zerolog.Logger
}

// NewIngest returns an Ingest backed by s, archiving uploaded artifacts
// under blobDir.
func NewIngest(s store.Store, blobDir string) *Ingest {
	return &Ingest{Builds: s, Artifacts: s, BlobDir: blobDir, log: logger.GetAPILogger()}
}

// SubmitResult records a build's terminal status as reported by the agent
// that ran it. stageResults is logged but not itself persisted: stage and
// step records reach the store directly via the agent's forwarded events.
func (in *Ingest) SubmitResult(ctx context.Context, orgID, buildID string, status model.BuildStatus, stageResults []byte, errMsg string) error {
	if _, err := in.lookupBuild(ctx, orgID, buildID); err != nil {
		return err
	}

	now := time.Now().UTC()
	kind := ""
	if errMsg != "" && status == model.BuildFailure {
		kind = string(errkind.StepNonzeroExit)
	}
	if err := in.Builds.UpdateBuildStatus(ctx, orgID, buildID, status, &now, kind, errMsg); err != nil {
		return fmt.Errorf("record agent result for build %s: %w", buildID, err)
	}
	in.log.Info().Str("build_id", buildID).Str("status", string(status)).Int("result_bytes", len(stageResults)).Msg("master: recorded agent build result")
	return nil
}

// SubmitArtifact streams one uploaded artifact file to disk and records it,
// mirroring executor.collectOneArtifact's full-copy path without the delta
// machinery: an agent-submitted artifact always arrives whole.
func (in *Ingest) SubmitArtifact(ctx context.Context, buildID string, r *http.Request) error {
	build, err := in.lookupBuild(ctx, r.URL.Query().Get("org_id"), buildID)
	if err != nil {
		return err
	}

	filename := filepath.Base(r.URL.Query().Get("filename"))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("missing or invalid filename query parameter"))
	}

	tmp, err := os.CreateTemp(in.BlobDir, "upload-*")
	if err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("stage artifact upload: %w", err))
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, r.Body)
	if err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("read artifact upload: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("flush artifact upload: %w", err))
	}

	sum, err := cache.HashFile(tmp.Name())
	if err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("hash artifact upload: %w", err))
	}

	blobPath := filepath.Join(in.BlobDir, sum)
	if _, statErr := os.Stat(blobPath); statErr != nil {
		if err := os.Rename(tmp.Name(), blobPath); err != nil {
			return errkind.New(errkind.ArtifactIO, fmt.Errorf("archive artifact upload: %w", err))
		}
	}

	artifact := &model.Artifact{
		ID: uuid.NewString(), BuildID: build.ID, Filename: filename,
		Path: filename, SizeBytes: size, SHA256: sum,
	}
	if err := in.Artifacts.CreateArtifact(ctx, artifact); err != nil {
		return errkind.New(errkind.ArtifactIO, fmt.Errorf("persist uploaded artifact record %s: %w", filename, err))
	}
	in.log.Info().Str("build_id", buildID).Str("filename", filename).Int64("size_bytes", size).Msg("master: recorded agent-uploaded artifact")
	return nil
}

func (in *Ingest) lookupBuild(ctx context.Context, orgID, buildID string) (*model.Build, error) {
	build, err := in.Builds.GetBuild(ctx, orgID, buildID)
	if err != nil || build == nil {
		return nil, errkind.New(errkind.StoreConflict, fmt.Errorf("unknown build %s", buildID))
	}
	return build, nil
}
