// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package matrix expands a pipeline stage's matrix declaration into one
// concrete stage per cartesian combination not excluded (C7, §4.7).
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/pipeline"
)

// MaxCombinations is the hard ceiling on expanded combinations per stage.
const MaxCombinations = 25

// Expand returns the stages produced by expanding stage's matrix, or a
// single-element slice containing stage unchanged if it declares no matrix.
func Expand(stage pipeline.Stage) ([]pipeline.Stage, error) {
	if stage.Matrix == nil || len(stage.Matrix.Axes) == 0 {
		return []pipeline.Stage{stage}, nil
	}

	combos, err := combinations(*stage.Matrix)
	if err != nil {
		return nil, err
	}
	if len(combos) > MaxCombinations {
		return nil, errkind.NewStage(errkind.MatrixExplosion, stage.Name,
			fmt.Errorf("matrix expansion produces %d combinations, exceeding the limit of %d", len(combos), MaxCombinations))
	}

	expanded := make([]pipeline.Stage, 0, len(combos))
	for _, combo := range combos {
		s := stage
		s.Matrix = nil
		s.MatrixValues = combo
		s.BaseName = stage.Name
		s.Name = suffixedName(stage.Name, combo)
		s.Steps = make([]pipeline.Step, len(stage.Steps))
		for i, step := range stage.Steps {
			s.Steps[i] = step
			s.Steps[i].Env = mergedEnv(step.Env, combo)
		}
		expanded = append(expanded, s)
	}
	return expanded, nil
}

// combinations produces the cartesian product of m's axes, dropping any
// combination matched by an exclude entry.
func combinations(m pipeline.Matrix) ([]map[string]string, error) {
	axisNames := make([]string, 0, len(m.Axes))
	for name := range m.Axes {
		axisNames = append(axisNames, name)
	}
	sort.Strings(axisNames)

	combos := []map[string]string{{}}
	for _, axis := range axisNames {
		values := m.Axes[axis]
		if len(values) == 0 {
			return nil, fmt.Errorf("matrix axis %q declares no values", axis)
		}
		var next []map[string]string
		for _, existing := range combos {
			for _, v := range values {
				c := make(map[string]string, len(existing)+1)
				for k, vv := range existing {
					c[k] = vv
				}
				c[axis] = v
				next = append(next, c)
			}
		}
		combos = next
	}

	filtered := combos[:0]
	for _, c := range combos {
		if !excluded(c, m.Exclude) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func excluded(combo map[string]string, excludes []map[string]string) bool {
	for _, ex := range excludes {
		match := true
		for k, v := range ex {
			if combo[k] != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// suffixedName appends " [k1=v1, k2=v2]" to base, with keys in ascending
// lexical order (§4.7, matching the stage record's `"<base> [...]"` shape).
func suffixedName(base string, combo map[string]string) string {
	keys := make([]string, 0, len(combo))
	for k := range combo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, combo[k])
	}
	return fmt.Sprintf("%s [%s]", base, strings.Join(parts, ", "))
}

func mergedEnv(stepEnv map[string]string, combo map[string]string) map[string]string {
	merged := make(map[string]string, len(stepEnv)+len(combo))
	for k, v := range stepEnv {
		merged[k] = v
	}
	for axis, v := range combo {
		merged[envKey(axis)] = v
	}
	return merged
}

func envKey(axis string) string {
	return "MATRIX_" + strings.ToUpper(strings.ReplaceAll(axis, "-", "_"))
}

// ExpandAll expands every stage in stages, in declared order.
func ExpandAll(stages []pipeline.Stage) ([]pipeline.Stage, error) {
	var out []pipeline.Stage
	for _, s := range stages {
		expanded, err := Expand(s)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// ResolveDependsOn rewrites each stage's DependsOn list so that a reference
// to a matrix base name fans in to every expansion of that base (Q1):
// a downstream stage depending on "Build" depends on all of
// "Build [jdk=11, os=linux]", "Build [jdk=17, os=linux]", etc.
func ResolveDependsOn(stages []pipeline.Stage) {
	baseToExpansions := make(map[string][]string)
	for _, s := range stages {
		if s.BaseName != "" {
			baseToExpansions[s.BaseName] = append(baseToExpansions[s.BaseName], s.Name)
		}
	}

	for i := range stages {
		var resolved []string
		for _, dep := range stages[i].DependsOn {
			if expansions, ok := baseToExpansions[dep]; ok {
				resolved = append(resolved, expansions...)
			} else {
				resolved = append(resolved, dep)
			}
		}
		stages[i].DependsOn = resolved
	}
}
