// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"regexp"
	"strings"
)

// exprToken matches `${{ <ns>.<name> }}` tokens (§6.2).
var exprToken = regexp.MustCompile(`\$\{\{\s*([A-Za-z_][\w]*)\.([\w.-]+)\s*\}\}`)

// SecretLookup resolves a secret by name, returning its plaintext value.
type SecretLookup func(name string) (string, bool)

// ResolveExpressions substitutes `${{ parameters.N }}`, `${{ secrets.N }}`
// and `${{ env.N }}` tokens in s. Unknown namespaces leave the token intact.
// Resolution runs only over YAML-sourced pipelines (§6.2, §4.9 step 4).
func ResolveExpressions(s string, parameters map[string]string, secrets SecretLookup) string {
	return exprToken.ReplaceAllStringFunc(s, func(match string) string {
		sub := exprToken.FindStringSubmatch(match)
		ns, name := sub[1], sub[2]
		switch ns {
		case "parameters":
			return "$" + envKey("PARAM_", name)
		case "secrets":
			if secrets != nil {
				if v, ok := secrets(name); ok {
					return v
				}
			}
			return match
		case "env":
			return "$" + name
		default:
			return match
		}
	})
}

// envKey upper-snake-cases name and prefixes it, matching PARAM_<N>.
func envKey(prefix, name string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// ResolvePipelineExpressions walks every string field of a pipeline that may
// carry `${{ }}` tokens and resolves them in place.
func ResolvePipelineExpressions(p *Pipeline, parameters map[string]string, secrets SecretLookup) {
	resolve := func(s string) string { return ResolveExpressions(s, parameters, secrets) }

	for i := range p.Stages {
		resolveStage(&p.Stages[i], resolve)
	}
	if p.Post != nil {
		for _, steps := range [][]Step{p.Post.Always, p.Post.OnSuccess, p.Post.OnFailure} {
			for i := range steps {
				resolveStep(&steps[i], resolve)
			}
		}
	}
}

func resolveStage(s *Stage, resolve func(string) string) {
	for i := range s.Steps {
		resolveStep(&s.Steps[i], resolve)
	}
}

func resolveStep(step *Step, resolve func(string) string) {
	step.Command = resolve(step.Command)
	for k, v := range step.Env {
		step.Env[k] = resolve(v)
	}
}
