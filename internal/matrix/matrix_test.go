// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/pipeline"
)

func TestExpand_NoMatrixReturnsStageUnchanged(t *testing.T) {
	stage := pipeline.Stage{Name: "build", Steps: []pipeline.Step{{Command: "make"}}}
	out, err := Expand(stage)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, stage, out[0])
}

func TestExpand_CartesianProductAndNaming(t *testing.T) {
	stage := pipeline.Stage{
		Name: "test",
		Matrix: &pipeline.Matrix{
			Axes: map[string][]string{
				"os":  {"linux", "windows"},
				"jdk": {"11", "17"},
			},
		},
		Steps: []pipeline.Step{{Command: "run"}},
	}

	out, err := Expand(stage)
	require.NoError(t, err)
	require.Len(t, out, 4)

	names := make(map[string]bool)
	for _, s := range out {
		names[s.Name] = true
		assert.Equal(t, "test", s.BaseName)
		assert.Nil(t, s.Matrix)
		require.Len(t, s.Steps, 1)
		assert.Equal(t, s.MatrixValues["os"], s.Steps[0].Env["MATRIX_OS"])
		assert.Equal(t, s.MatrixValues["jdk"], s.Steps[0].Env["MATRIX_JDK"])
	}
	assert.True(t, names["test [jdk=11, os=linux]"])
	assert.True(t, names["test [jdk=17, os=windows]"])
}

func TestExpand_ExcludesDropCombinations(t *testing.T) {
	stage := pipeline.Stage{
		Name: "test",
		Matrix: &pipeline.Matrix{
			Axes: map[string][]string{
				"os":  {"linux", "windows"},
				"jdk": {"11", "17"},
			},
			Exclude: []map[string]string{{"os": "windows", "jdk": "11"}},
		},
	}

	out, err := Expand(stage)
	require.NoError(t, err)
	assert.Len(t, out, 3)
	for _, s := range out {
		assert.False(t, s.MatrixValues["os"] == "windows" && s.MatrixValues["jdk"] == "11")
	}
}

func TestExpand_ExplosionOverLimit(t *testing.T) {
	stage := pipeline.Stage{
		Name: "huge",
		Matrix: &pipeline.Matrix{
			Axes: map[string][]string{
				"a": {"1", "2", "3", "4", "5", "6"},
				"b": {"1", "2", "3", "4", "5"},
			},
		},
	}
	_, err := Expand(stage)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.MatrixExplosion))
}

func TestExpand_EmptyAxisIsError(t *testing.T) {
	stage := pipeline.Stage{
		Name:   "bad",
		Matrix: &pipeline.Matrix{Axes: map[string][]string{"os": {}}},
	}
	_, err := Expand(stage)
	require.Error(t, err)
}

func TestResolveDependsOn_FansInToExpansions(t *testing.T) {
	stages := []pipeline.Stage{
		{Name: "build [os=linux]", BaseName: "build"},
		{Name: "build [os=windows]", BaseName: "build"},
		{Name: "deploy", DependsOn: []string{"build"}},
	}
	ResolveDependsOn(stages)
	assert.ElementsMatch(t, []string{"build [os=linux]", "build [os=windows]"}, stages[2].DependsOn)
}

func TestResolveDependsOn_LeavesNonMatrixDepsAlone(t *testing.T) {
	stages := []pipeline.Stage{
		{Name: "lint"},
		{Name: "deploy", DependsOn: []string{"lint"}},
	}
	ResolveDependsOn(stages)
	assert.Equal(t, []string{"lint"}, stages[1].DependsOn)
}

func TestExpandAll(t *testing.T) {
	stages := []pipeline.Stage{
		{Name: "lint"},
		{Name: "test", Matrix: &pipeline.Matrix{Axes: map[string][]string{"os": {"linux", "windows"}}}},
	}
	out, err := ExpandAll(stages)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}
