// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"
	"time"

	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/gorm"
)

func (s *GormStore) CreateGate(ctx context.Context, gate *model.ApprovalGate) error {
	return s.db.WithContext(ctx).Create(gate).Error
}

func (s *GormStore) GetGate(ctx context.Context, gateID string) (*model.ApprovalGate, error) {
	var gate model.ApprovalGate
	err := s.db.WithContext(ctx).Where("id = ?", gateID).First(&gate).Error
	if err != nil {
		return nil, err
	}
	return &gate, nil
}

func (s *GormStore) GetGateForStage(ctx context.Context, buildID, stageName string) (*model.ApprovalGate, error) {
	var gate model.ApprovalGate
	err := s.db.WithContext(ctx).
		Where("build_id = ? AND stage_name = ?", buildID, stageName).
		First(&gate).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &gate, nil
}

// Approve transactionally increments approval_count and records approverID,
// transitioning to approved once the threshold is met.
func (s *GormStore) Approve(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error) {
	var result model.ApprovalGate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gate model.ApprovalGate
		if err := tx.Where("id = ?", gateID).First(&gate).Error; err != nil {
			return err
		}
		if gate.Status != model.ApprovalPending {
			result = gate
			return nil
		}
		gate.ApprovalCount++
		gate.ApproverIDs = append(gate.ApproverIDs, approverID)
		if gate.ApprovalCount >= gate.RequiredApprovals {
			gate.Status = model.ApprovalApproved
		}
		if err := tx.Model(&model.ApprovalGate{}).
			Where("id = ?", gateID).
			Updates(map[string]any{
				"approval_count": gate.ApprovalCount,
				"approver_ids":   gate.ApproverIDs,
				"status":         gate.Status,
			}).Error; err != nil {
			return err
		}
		result = gate
		return nil
	})
	return &result, err
}

func (s *GormStore) Reject(ctx context.Context, gateID, approverID string) (*model.ApprovalGate, error) {
	var result model.ApprovalGate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gate model.ApprovalGate
		if err := tx.Where("id = ?", gateID).First(&gate).Error; err != nil {
			return err
		}
		if gate.Status != model.ApprovalPending {
			result = gate
			return nil
		}
		gate.Status = model.ApprovalRejected
		gate.ApproverIDs = append(gate.ApproverIDs, approverID)
		if err := tx.Model(&model.ApprovalGate{}).
			Where("id = ?", gateID).
			Updates(map[string]any{
				"status":       gate.Status,
				"approver_ids": gate.ApproverIDs,
			}).Error; err != nil {
			return err
		}
		result = gate
		return nil
	})
	return &result, err
}

func (s *GormStore) ListTimedOut(ctx context.Context, now time.Time) ([]*model.ApprovalGate, error) {
	var gates []*model.ApprovalGate
	err := s.db.WithContext(ctx).
		Where("status = ? AND timeout_at <= ?", model.ApprovalPending, now).
		Find(&gates).Error
	return gates, err
}

func (s *GormStore) MarkTimedOut(ctx context.Context, gateID string) error {
	return s.db.WithContext(ctx).Model(&model.ApprovalGate{}).
		Where("id = ? AND status = ?", gateID, model.ApprovalPending).
		Update("status", model.ApprovalTimedOut).Error
}
