// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline defines the canonical pipeline value (§6.1) and the
// format parsers that produce it. There is no macro layer: parsers for
// each on-disk format are pure converters to this value, and the core only
// ever operates on Pipeline/Stage/Step values.
package pipeline

// Pipeline is the normative, format-independent pipeline value.
type Pipeline struct {
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Container   *Container        `json:"container,omitempty" yaml:"container,omitempty"`
	Matrix      *Matrix           `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Parameters  []ParamDef        `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Stages      []Stage           `json:"stages" yaml:"stages"`
	Post        *PostActions      `json:"post,omitempty" yaml:"post,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Notify      []NotifierConfig  `json:"notify,omitempty" yaml:"notify,omitempty"`
	Cache       []CacheDecl       `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// PostActions groups the post-stage hooks.
type PostActions struct {
	Always    []Step `json:"always,omitempty" yaml:"always,omitempty"`
	OnSuccess []Step `json:"on-success,omitempty" yaml:"on-success,omitempty"`
	OnFailure []Step `json:"on-failure,omitempty" yaml:"on-failure,omitempty"`
}

// ParamDef describes one pipeline parameter.
type ParamDef struct {
	Name    string `json:"name" yaml:"name"`
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}

// Stage is a sequence (or parallel group) of steps forming a dependency unit.
type Stage struct {
	Name      string       `json:"name" yaml:"name"`
	Parallel  bool         `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	DependsOn []string     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Container *Container   `json:"container,omitempty" yaml:"container,omitempty"`
	Matrix    *Matrix      `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Cache     []CacheDecl  `json:"cache,omitempty" yaml:"cache,omitempty"`
	Approval  *Approval    `json:"approval,omitempty" yaml:"approval,omitempty"`
	Resources *Resources   `json:"resources,omitempty" yaml:"resources,omitempty"`
	Steps     []Step       `json:"steps" yaml:"steps"`

	// MatrixValues is populated by the Matrix Expander on expanded copies;
	// it is not part of the on-disk format.
	MatrixValues map[string]string `json:"-" yaml:"-"`
	// BaseName is the pre-expansion stage name, used to resolve depends_on
	// fan-in to every expansion of a matrix base (§4.7).
	BaseName string `json:"-" yaml:"-"`
}

// Approval configures a human approval gate on a stage.
type Approval struct {
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"`
	TimeoutMs         int64    `json:"timeout_ms" yaml:"timeout_ms"`
	Approvers         []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
}

// Resources declares optional per-stage resource hints.
type Resources struct {
	CPU    int `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory int `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// StepType enumerates the supported step executor tags (§9 Design Notes).
type StepType string

const (
	StepShell         StepType = "shell"
	StepDocker        StepType = "docker"
	StepDockerCompose StepType = "docker-compose"
)

// Condition gates whether a step runs.
type Condition struct {
	Type  string `json:"type" yaml:"type"` // "branch" | "param"
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	Param string `json:"param,omitempty" yaml:"param,omitempty"`
}

// Step is a single command produced by the pipeline.
type Step struct {
	Name      string            `json:"name" yaml:"name"`
	Type      StepType          `json:"type" yaml:"type"`
	Command   string            `json:"command" yaml:"command"`
	Image     string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir       string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Condition *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Container, if set, overrides/propagates the stage/pipeline container
	// (§4.9 step 6: container propagation).
	Container *Container `json:"-" yaml:"-"`
}

// CacheDecl declares one cache save/restore pair.
type CacheDecl struct {
	Key         string   `json:"key" yaml:"key"`
	Paths       []string `json:"paths" yaml:"paths"`
	RestoreKeys []string `json:"restore-keys,omitempty" yaml:"restore-keys,omitempty"`
}

// Container describes the container a stage's shell steps run inside.
type Container struct {
	Image        string            `json:"image" yaml:"image"`
	Volumes      []string          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	CacheVolumes map[string]string `json:"cache-volumes,omitempty" yaml:"cache-volumes,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Matrix declares parameter axes for cartesian stage expansion.
type Matrix struct {
	Axes    map[string][]string `json:"-" yaml:"-"`
	Exclude []map[string]string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// NotifierConfig configures an outbound notification sink.
type NotifierConfig struct {
	Type   string            `json:"type" yaml:"type"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}
