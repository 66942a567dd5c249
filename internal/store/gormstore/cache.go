// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"
	"time"

	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveCacheEntry is first-write-wins: a conflicting (job_id, cache_key)
// leaves the existing row untouched (I5).
func (s *GormStore) SaveCacheEntry(ctx context.Context, entry *model.CacheEntry) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "cache_key"}},
		DoNothing: true,
	}).Create(entry).Error
}

func (s *GormStore) GetCacheEntry(ctx context.Context, jobID, cacheKey string) (*model.CacheEntry, error) {
	var entry model.CacheEntry
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND cache_key = ?", jobID, cacheKey).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// FindMostRecentByPrefix resolves ties between equal-length prefix matches
// by save time, most recent first (Q2).
func (s *GormStore) FindMostRecentByPrefix(ctx context.Context, jobID, prefix string) (*model.CacheEntry, error) {
	var entry model.CacheEntry
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND cache_key LIKE ?", jobID, prefix+"%").
		Order("created_at DESC").
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *GormStore) IncrementHitCount(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&model.CacheEntry{}).
		Where("id = ?", id).
		UpdateColumn("hit_count", gorm.Expr("hit_count + 1")).Error
}

func (s *GormStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.CacheEntry{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) SaveStageResult(ctx context.Context, entry *model.StageCacheEntry) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "fingerprint"}},
		DoNothing: true,
	}).Create(entry).Error
}

func (s *GormStore) GetStageResult(ctx context.Context, jobID, fingerprint string) (*model.StageCacheEntry, error) {
	var entry model.StageCacheEntry
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND fingerprint = ?", jobID, fingerprint).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
