// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"

	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/gorm"
)

func (s *GormStore) CreateArtifact(ctx context.Context, artifact *model.Artifact) error {
	return s.db.WithContext(ctx).Create(artifact).Error
}

func (s *GormStore) ListArtifacts(ctx context.Context, buildID string) ([]*model.Artifact, error) {
	var artifacts []*model.Artifact
	err := s.db.WithContext(ctx).Where("build_id = ?", buildID).Find(&artifacts).Error
	return artifacts, err
}

// FindLatestByFilename joins through builds to find the most recent
// artifact with the same filename for the same job, excluding beforeBuildID
// and anything created after it, used as the incremental-delta base.
func (s *GormStore) FindLatestByFilename(ctx context.Context, jobID, filename string, beforeBuildID string) (*model.Artifact, error) {
	var artifact model.Artifact
	err := s.db.WithContext(ctx).
		Joins("JOIN builds ON builds.id = build_artifacts.build_id").
		Where("builds.job_id = ? AND build_artifacts.filename = ? AND build_artifacts.build_id <> ?", jobID, filename, beforeBuildID).
		Where("builds.started_at < (SELECT b.started_at FROM builds b WHERE b.id = ?)", beforeBuildID).
		Order("builds.started_at DESC").
		First(&artifact).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &artifact, nil
}

func (s *GormStore) GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error) {
	var artifact model.Artifact
	err := s.db.WithContext(ctx).Where("id = ?", artifactID).First(&artifact).Error
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}
