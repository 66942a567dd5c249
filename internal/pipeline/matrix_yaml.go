// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML implements custom decoding for Matrix because its axes are
// arbitrary top-level keys alongside the reserved "exclude" key, e.g.:
//
//	matrix:
//	  os: [linux, macos]
//	  jdk: [11, 17]
//	  exclude:
//	    - {os: macos, jdk: 11}
func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("matrix: %w", err)
	}

	m.Axes = make(map[string][]string)
	for key, node := range raw {
		if key == "exclude" {
			var excludes []map[string]string
			if err := node.Decode(&excludes); err != nil {
				return fmt.Errorf("matrix.exclude: %w", err)
			}
			m.Exclude = excludes
			continue
		}

		values, err := decodeAxisValues(&node)
		if err != nil {
			return fmt.Errorf("matrix.%s: %w", key, err)
		}
		m.Axes[key] = values
	}
	return nil
}

func decodeAxisValues(node *yaml.Node) ([]string, error) {
	var raw []any
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		values = append(values, fmt.Sprintf("%v", v))
	}
	return values, nil
}

// MarshalYAML implements custom encoding, flattening axes back to top-level keys.
func (m Matrix) MarshalYAML() (any, error) {
	out := make(map[string]any, len(m.Axes)+1)
	for k, v := range m.Axes {
		out[k] = v
	}
	if len(m.Exclude) > 0 {
		out["exclude"] = m.Exclude
	}
	return out, nil
}

// UnmarshalJSON mirrors the YAML behavior for the server-side JSON pipeline_value.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Axes = make(map[string][]string)
	for key, msg := range raw {
		if key == "exclude" {
			var excludes []map[string]string
			if err := json.Unmarshal(msg, &excludes); err != nil {
				return fmt.Errorf("matrix.exclude: %w", err)
			}
			m.Exclude = excludes
			continue
		}
		var values []string
		if err := json.Unmarshal(msg, &values); err != nil {
			return fmt.Errorf("matrix.%s: %w", key, err)
		}
		m.Axes[key] = values
	}
	return nil
}

// MarshalJSON mirrors MarshalYAML.
func (m Matrix) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Axes)+1)
	for k, v := range m.Axes {
		out[k] = v
	}
	if len(m.Exclude) > 0 {
		out["exclude"] = m.Exclude
	}
	return json.Marshal(out)
}
