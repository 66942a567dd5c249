// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"

	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/gorm/clause"
)

func (s *GormStore) UpsertStage(ctx context.Context, stage *model.StageRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(stage).Error
}

func (s *GormStore) UpsertStep(ctx context.Context, step *model.StepRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(step).Error
}

func (s *GormStore) ListStages(ctx context.Context, buildID string) ([]*model.StageRecord, error) {
	var stages []*model.StageRecord
	err := s.db.WithContext(ctx).Where("build_id = ?", buildID).Find(&stages).Error
	return stages, err
}

func (s *GormStore) ListSteps(ctx context.Context, buildID, stageName string) ([]*model.StepRecord, error) {
	var steps []*model.StepRecord
	q := s.db.WithContext(ctx).Where("build_id = ?", buildID)
	if stageName != "" {
		q = q.Where("stage_name = ?", stageName)
	}
	err := q.Order("started_at ASC").Find(&steps).Error
	return steps, err
}
