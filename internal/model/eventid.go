// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// EventID is the total-order key for a Build Event: "<epoch_ms>-<monotonic_seq>-<uuid>".
// It recovers insertion order even when wall-clock timestamps collide (I6).
type EventID string

var monotonicSeq uint64

// NewEventID allocates a new EventID for the given epoch-millisecond timestamp.
func NewEventID(epochMs int64) EventID {
	seq := atomic.AddUint64(&monotonicSeq, 1)
	return EventID(fmt.Sprintf("%020d-%020d-%s", epochMs, seq, uuid.NewString()))
}

// Compare returns -1, 0, or 1 if e sorts before, equal to, or after other.
// Comparison is purely lexical over the fixed-width epoch and sequence fields,
// which is sufficient because both are zero-padded to a fixed width.
func (e EventID) Compare(other EventID) int {
	return strings.Compare(string(e), string(other))
}

// Before reports whether e precedes other in insertion order.
func (e EventID) Before(other EventID) bool {
	return e.Compare(other) < 0
}

// epochAndSeq splits the id back into its numeric components. It is
// unexported and used by this package's tests.
func (e EventID) epochAndSeq() (int64, uint64, error) {
	parts := strings.SplitN(string(e), "-", 3)
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("malformed event id %q", e)
	}
	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed event id epoch %q: %w", e, err)
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed event id sequence %q: %w", e, err)
	}
	return epoch, seq, nil
}
