// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"

	"github.com/forgecore/forgecore/internal/model"
)

// AppendEvent persists ev. event_id is already a globally-monotonic total
// order key (model.NewEventID); the durable plane only needs to insert.
func (s *GormStore) AppendEvent(ctx context.Context, ev *model.BuildEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *GormStore) Replay(ctx context.Context, buildID string, afterEventID model.EventID, limit int) ([]*model.BuildEvent, error) {
	q := s.db.WithContext(ctx).
		Where("build_id = ?", buildID)
	if afterEventID != "" {
		q = q.Where("event_id > ?", string(afterEventID))
	}
	q = q.Order("event_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []*model.BuildEvent
	err := q.Find(&events).Error
	return events, err
}
