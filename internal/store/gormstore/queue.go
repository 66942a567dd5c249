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

func (s *GormStore) Enqueue(ctx context.Context, entry *model.QueueEntry) error {
	entry.PriorityRank = entry.Priority.Rank()
	entry.Status = model.QueuePending
	return s.db.WithContext(ctx).Create(entry).Error
}

// Dequeue claims exactly one pending entry per call (I3, P3). On Postgres
// this is `SELECT ... FOR UPDATE SKIP LOCKED` so concurrent dequeuers never
// block on each other's candidate row. SQLite has no row-level locking, so
// the claim is a select plus an update conditioned on the row still being
// pending, inside one transaction (§9 Design Notes: database portability);
// that conditional update is the serialization point on that engine, and a
// dequeuer whose update matches no row claims nothing and returns nil.
func (s *GormStore) Dequeue(ctx context.Context, workerID string) (*model.QueueEntry, error) {
	var claimed *model.QueueEntry

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.QueueEntry{}).
			Where("status = ?", model.QueuePending).
			Order("priority_rank DESC, enqueued_at ASC").
			Limit(1)

		if s.supportsSkipLocked() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var entry model.QueueEntry
		if err := q.First(&entry).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&model.QueueEntry{}).
			Where("id = ? AND status = ?", entry.ID, model.QueuePending).
			Updates(map[string]any{
				"status":     model.QueueClaimed,
				"claimed_by": workerID,
				"claimed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race (SQLite fallback path under concurrent writers);
			// caller may retry.
			return nil
		}
		entry.Status = model.QueueClaimed
		entry.ClaimedBy = workerID
		entry.ClaimedAt = &now
		claimed = &entry
		return nil
	})

	return claimed, err
}

func (s *GormStore) Complete(ctx context.Context, entryID string, status model.QueueEntryStatus) error {
	return s.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("id = ?", entryID).
		Update("status", status).Error
}

func (s *GormStore) CountPending(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("status = ?", model.QueuePending).
		Count(&count).Error
	return int(count), err
}
