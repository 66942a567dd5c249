// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventID_MonotonicWithinSameEpoch(t *testing.T) {
	a := NewEventID(1000)
	b := NewEventID(1000)
	assert.True(t, a.Before(b))
	assert.Equal(t, -1, a.Compare(b))
}

func TestNewEventID_OrdersByEpochFirst(t *testing.T) {
	a := NewEventID(1000)
	b := NewEventID(999)
	assert.True(t, b.Before(a))
}

func TestEventID_CompareEqual(t *testing.T) {
	a := NewEventID(5)
	assert.Equal(t, 0, a.Compare(a))
}

func TestEventID_EpochAndSeqRoundTrip(t *testing.T) {
	id := NewEventID(424242)
	epoch, seq, err := id.epochAndSeq()
	require.NoError(t, err)
	assert.Equal(t, int64(424242), epoch)
	assert.True(t, seq > 0)
}

func TestEventID_EpochAndSeqMalformed(t *testing.T) {
	_, _, err := EventID("not-a-valid-id").epochAndSeq()
	assert.Error(t, err)
}
