// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/gorm"
)

// CreateBuild allocates the next build_number for job_id inside a
// transaction and inserts the record, preserving the per-job monotonic
// numbering invariant even under concurrent submits.
func (s *GormStore) CreateBuild(ctx context.Context, build *model.Build) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber int64
		if err := tx.Model(&model.Build{}).
			Where("job_id = ?", build.JobID).
			Select("COALESCE(MAX(build_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return fmt.Errorf("failed to compute next build_number: %w", err)
		}
		build.BuildNumber = maxNumber + 1
		if build.RootBuildID == "" {
			build.RootBuildID = build.ID
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = time.Now().UTC()
		}
		return tx.Create(build).Error
	})
}

func (s *GormStore) GetBuild(ctx context.Context, orgID, buildID string) (*model.Build, error) {
	var build model.Build
	err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", buildID, orgID).
		First(&build).Error
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// UpdateBuildStatus refuses to transition a build out of a terminal status (I1).
func (s *GormStore) UpdateBuildStatus(ctx context.Context, orgID, buildID string, status model.BuildStatus, finishedAt *time.Time, errKind, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Build
		if err := tx.Where("id = ? AND org_id = ?", buildID, orgID).First(&current).Error; err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}
		updates := map[string]any{
			"status":        status,
			"error_kind":    errKind,
			"error_message": errMsg,
		}
		if finishedAt != nil {
			updates["finished_at"] = *finishedAt
		}
		return tx.Model(&model.Build{}).
			Where("id = ? AND org_id = ?", buildID, orgID).
			Updates(updates).Error
	})
}

func (s *GormStore) UpdateBuildDispatch(ctx context.Context, orgID, buildID, agentID string, dispatchedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Build{}).
		Where("id = ? AND org_id = ?", buildID, orgID).
		Updates(map[string]any{
			"agent_id":      agentID,
			"dispatched_at": dispatchedAt,
			"status":        model.BuildRunning,
		}).Error
}

func (s *GormStore) ListRunningBuilds(ctx context.Context) ([]*model.Build, error) {
	var builds []*model.Build
	err := s.db.WithContext(ctx).
		Where("status = ?", model.BuildRunning).
		Find(&builds).Error
	return builds, err
}

func (s *GormStore) FindActiveByCommit(ctx context.Context, orgID, jobID, gitCommit string, since time.Time) (*model.Build, error) {
	var build model.Build
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND job_id = ? AND git_commit = ? AND started_at >= ?", orgID, jobID, gitCommit, since).
		Where("status IN ?", []model.BuildStatus{model.BuildQueued, model.BuildRunning, model.BuildSuccess}).
		Order("started_at DESC").
		First(&build).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &build, nil
}
