// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"

	"github.com/forgecore/forgecore/internal/model"
)

func (s *GormStore) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) GetJob(ctx context.Context, orgID, jobID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", jobID, orgID).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *GormStore) GetJobByName(ctx context.Context, orgID, name string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND name = ?", orgID, name).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *GormStore) ListJobs(ctx context.Context, orgID string) ([]*model.Job, error) {
	var jobs []*model.Job
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("name ASC").
		Find(&jobs).Error
	return jobs, err
}
