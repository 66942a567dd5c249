// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the in-process drainer for the Build Queue
// (C14): a processor loop, intended to run only on the elected leader, that
// claims pending entries one at a time and hands them to a dispatch
// callback.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

// DefaultPollInterval is how often the processor polls for a claimable
// entry when the queue is empty.
const DefaultPollInterval = 1 * time.Second

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetQueueLogger()
		log = &l
	})
	return log
}

// DispatchFunc hands a claimed entry off to the Dispatcher; its error (if
// any) is logged, and the entry is marked done either way.
type DispatchFunc func(ctx context.Context, entry *model.QueueEntry) error

// Processor drains store.QueueStore on a single worker identity.
type Processor struct {
	store        store.QueueStore
	workerID     string
	pollInterval time.Duration
	dispatch     DispatchFunc
}

// New returns a Processor claiming entries as workerID.
func New(s store.QueueStore, workerID string, dispatch DispatchFunc) *Processor {
	return &Processor{store: s, workerID: workerID, pollInterval: DefaultPollInterval, dispatch: dispatch}
}

// Run blocks, repeatedly dequeuing and dispatching entries until ctx is
// cancelled. Intended to be started as a leader.Singleton.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		drained := p.drainOne(ctx)
		if drained {
			continue // more entries may be waiting, don't wait out the tick
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainOne claims and dispatches a single entry, reporting whether one was
// available.
func (p *Processor) drainOne(ctx context.Context) bool {
	entry, err := p.store.Dequeue(ctx, p.workerID)
	if err != nil {
		getLog().Error().Err(err).Msg("queue: dequeue failed")
		return false
	}
	if entry == nil {
		return false
	}

	getLog().Info().Str("entry_id", entry.ID).Str("job_id", entry.JobID).Str("priority", string(entry.Priority)).Msg("queue: claimed entry")

	status := model.QueueDone
	if err := p.dispatch(ctx, entry); err != nil {
		getLog().Error().Err(err).Str("entry_id", entry.ID).Msg("queue: dispatch failed for claimed entry")
	}
	if err := p.store.Complete(ctx, entry.ID, status); err != nil {
		getLog().Error().Err(err).Str("entry_id", entry.ID).Msg("queue: failed to mark entry done")
	}
	return true
}
