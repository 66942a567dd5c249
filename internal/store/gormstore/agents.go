// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"
	"time"

	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/gorm/clause"
)

func (s *GormStore) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(agent).Error
}

func (s *GormStore) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	var agent model.Agent
	err := s.db.WithContext(ctx).Where("id = ?", agentID).First(&agent).Error
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *GormStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	var agents []*model.Agent
	err := s.db.WithContext(ctx).Find(&agents).Error
	return agents, err
}

func (s *GormStore) UpdateHeartbeat(ctx context.Context, agentID string, currentBuilds int, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Agent{}).
		Where("id = ?", agentID).
		Updates(map[string]any{
			"current_builds":    currentBuilds,
			"last_heartbeat_at": at,
			"status":            model.AgentOnline,
		}).Error
}
