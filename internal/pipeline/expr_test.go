// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveExpressions_Parameters(t *testing.T) {
	out := ResolveExpressions("echo ${{ parameters.release-tag }}", nil, nil)
	assert.Equal(t, "echo $PARAM_RELEASE_TAG", out)
}

func TestResolveExpressions_Env(t *testing.T) {
	out := ResolveExpressions("echo ${{ env.HOME }}", nil, nil)
	assert.Equal(t, "echo $HOME", out)
}

func TestResolveExpressions_SecretsResolved(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "api-key" {
			return "shh", true
		}
		return "", false
	}
	out := ResolveExpressions("curl -H ${{ secrets.api-key }}", nil, lookup)
	assert.Equal(t, "curl -H shh", out)
}

func TestResolveExpressions_UnknownSecretLeavesTokenIntact(t *testing.T) {
	lookup := func(name string) (string, bool) { return "", false }
	in := "curl -H ${{ secrets.missing }}"
	out := ResolveExpressions(in, nil, lookup)
	assert.Equal(t, in, out)
}

func TestResolveExpressions_UnknownNamespaceLeftIntact(t *testing.T) {
	in := "${{ bogus.thing }}"
	assert.Equal(t, in, ResolveExpressions(in, nil, nil))
}

func TestResolvePipelineExpressions_WalksStagesAndPost(t *testing.T) {
	p := &Pipeline{
		Stages: []Stage{
			{
				Name: "build",
				Steps: []Step{
					{Command: "echo ${{ parameters.name }}", Env: map[string]string{"X": "${{ env.HOME }}"}},
				},
			},
		},
		Post: &PostActions{
			Always: []Step{{Command: "echo ${{ env.PATH }}"}},
		},
	}
	ResolvePipelineExpressions(p, map[string]string{"name": "v1"}, nil)
	assert.Equal(t, "echo $PARAM_NAME", p.Stages[0].Steps[0].Command)
	assert.Equal(t, "$HOME", p.Stages[0].Steps[0].Env["X"])
	assert.Equal(t, "echo $PATH", p.Post.Always[0].Command)
}
