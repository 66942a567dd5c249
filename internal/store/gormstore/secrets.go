// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"

	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/gorm/clause"
)

func (s *GormStore) PutSecret(ctx context.Context, secret *model.Secret) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "scope"}, {Name: "name"}},
		UpdateAll: true,
	}).Create(secret).Error
}

func (s *GormStore) GetSecret(ctx context.Context, orgID, scope, name string) (*model.Secret, error) {
	var secret model.Secret
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND scope = ? AND name = ?", orgID, scope, name).
		First(&secret).Error
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *GormStore) ListSecrets(ctx context.Context, orgID, scope string) ([]*model.Secret, error) {
	var secrets []*model.Secret
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND scope = ?", orgID, scope).
		Find(&secrets).Error
	return secrets, err
}
