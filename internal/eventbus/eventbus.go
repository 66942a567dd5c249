// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus implements the Event Bus (C4): a durable-then-ephemeral
// two-plane fan-out of build events, keyed by build id, with sliding-window
// delivery to live subscribers and cursor replay from the store.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEventBusLogger()
		log = &l
	})
	return log
}

const (
	// subscriberWindow bounds how many buffered events a slow subscriber
	// may accumulate before non-critical events start being dropped.
	subscriberWindow = 256
	// criticalPublishTimeout bounds how long publish blocks trying to
	// deliver a critical event to a full subscriber before dropping it
	// and flagging the subscriber as degraded.
	criticalPublishTimeout = 2 * time.Second
)

// subscriber is one live listener on a build's event stream.
type subscriber struct {
	ch       chan *model.BuildEvent
	degraded bool
}

// Bus is the in-process Event Bus. The durable plane is the injected
// EventStore; the ephemeral plane is the in-memory subscriber map.
type Bus struct {
	store store.EventStore

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // build_id -> subscribers
}

// New returns a Bus backed by s.
func New(s store.EventStore) *Bus {
	return &Bus{store: s, subs: make(map[string]map[*subscriber]struct{})}
}

// Publish persists ev, then fans it out to live subscribers of ev.BuildID.
// Persistence failures are logged but never block the ephemeral plane.
// Critical events (per model.EventKind.Critical) block up to
// criticalPublishTimeout trying to deliver to a full subscriber before the
// subscriber is flagged degraded and the event is dropped for it;
// non-critical events use a non-blocking offer and are dropped immediately
// on a full window.
func (b *Bus) Publish(ctx context.Context, ev *model.BuildEvent) error {
	if ev.EventID == "" {
		ev.EventID = model.NewEventID(time.Now().UTC().UnixMilli())
	}

	if err := b.store.AppendEvent(ctx, ev); err != nil {
		getLog().Error().Err(err).Str("build_id", ev.BuildID).Msg("event bus: durable append failed")
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[ev.BuildID]))
	for s := range b.subs[ev.BuildID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	critical := ev.Kind.Critical()
	for _, s := range subs {
		if critical {
			b.deliverCritical(s, ev)
		} else {
			select {
			case s.ch <- ev:
			default:
				getLog().Warn().Str("build_id", ev.BuildID).Str("kind", string(ev.Kind)).Msg("event bus: dropping non-critical event, subscriber window full")
			}
		}
	}
	return nil
}

func (b *Bus) deliverCritical(s *subscriber, ev *model.BuildEvent) {
	timer := time.NewTimer(criticalPublishTimeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
	case <-timer.C:
		b.mu.Lock()
		s.degraded = true
		b.mu.Unlock()
		getLog().Error().Str("build_id", ev.BuildID).Str("kind", string(ev.Kind)).Msg("event bus: dropping critical event, subscriber flagged degraded")
	}
}

// Subscription is a live handle returned by Subscribe. Events arrives in
// insertion order for the subscribed build; Close must be called once the
// caller stops consuming.
type Subscription struct {
	Events  <-chan *model.BuildEvent
	bus     *Bus
	buildID string
	sub     *subscriber
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subs[s.buildID]; ok {
		delete(set, s.sub)
		if len(set) == 0 {
			delete(s.bus.subs, s.buildID)
		}
	}
	close(s.sub.ch)
}

// Degraded reports whether this subscription has ever dropped a critical
// event due to a full window.
func (s *Subscription) Degraded() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.sub.degraded
}

// Subscribe registers a live listener for buildID. It only arms the live
// stream and fetches no history; callers that need earlier events request
// them separately via Replay.
func (b *Bus) Subscribe(buildID string) *Subscription {
	s := &subscriber{ch: make(chan *model.BuildEvent, subscriberWindow)}

	b.mu.Lock()
	if b.subs[buildID] == nil {
		b.subs[buildID] = make(map[*subscriber]struct{})
	}
	b.subs[buildID][s] = struct{}{}
	b.mu.Unlock()

	return &Subscription{Events: s.ch, bus: b, buildID: buildID, sub: s}
}

// Replay returns buildID's durable event history strictly after
// afterEventID (model.EventID("") replays from the start), bounded by
// limit (0 = no limit), in insertion order.
func (b *Bus) Replay(ctx context.Context, buildID string, afterEventID model.EventID, limit int) ([]*model.BuildEvent, error) {
	events, err := b.store.Replay(ctx, buildID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("replay build %s events: %w", buildID, err)
	}
	return events, nil
}
