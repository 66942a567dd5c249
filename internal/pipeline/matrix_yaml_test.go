// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"
)

func TestMatrix_JSONRoundTrip(t *testing.T) {
	m := Matrix{
		Axes:    map[string][]string{"os": {"linux", "windows"}},
		Exclude: []map[string]string{{"os": "windows"}},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded Matrix
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, m.Axes, decoded.Axes)
	assert.Equal(t, m.Exclude, decoded.Exclude)
}

func TestMatrix_YAMLRoundTrip(t *testing.T) {
	m := Matrix{Axes: map[string][]string{"jdk": {"11", "17"}}}
	data, err := yaml.Marshal(m)
	require.NoError(t, err)

	var decoded Matrix
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, m.Axes, decoded.Axes)
}

func TestMatrix_UnmarshalJSON_RejectsBadExclude(t *testing.T) {
	var m Matrix
	err := json.Unmarshal([]byte(`{"exclude": "not-a-list"}`), &m)
	assert.Error(t, err)
}
