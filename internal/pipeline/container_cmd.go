// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/pkg/containers/validation"
)

// MountSpec is one `-v host:container[:ro]` volume mount.
type MountSpec struct {
	Host      string
	Container string
	ReadOnly  bool
}

// ContainerCommandSpec carries everything BuildContainerCommand needs beyond
// the Container declaration itself.
type ContainerCommandSpec struct {
	Image      string
	Mounts     []MountSpec
	CacheMount map[string]string // volume name -> container path
	Workdir    string
	Env        map[string]string
	Command    string
}

// BuildContainerCommand generates the deterministic `docker run` shell
// string described by §6.3: `docker run --rm` then, in order, one `-v` per
// volume, `-w <workdir>`, one `-e KEY='value'` per env entry, the validated
// image, then `sh -c '<command>'`.
func BuildContainerCommand(spec ContainerCommandSpec) (string, error) {
	if err := validation.ValidateImageName(spec.Image); err != nil {
		return "", errkind.New(errkind.PipelineInvalid, err)
	}

	var b strings.Builder
	b.WriteString("docker run --rm")

	for _, m := range spec.Mounts {
		if err := validation.ValidateMountPath(m.Host); err != nil {
			return "", errkind.New(errkind.PipelineInvalid, err)
		}
		if err := validation.ValidateMountPath(m.Container); err != nil {
			return "", errkind.New(errkind.PipelineInvalid, err)
		}
		mount := fmt.Sprintf("%s:%s", m.Host, m.Container)
		if m.ReadOnly {
			mount += ":ro"
		}
		fmt.Fprintf(&b, " -v %s", validation.ShellSingleQuote(mount))
	}

	cacheNames := make([]string, 0, len(spec.CacheMount))
	for name := range spec.CacheMount {
		cacheNames = append(cacheNames, name)
	}
	sort.Strings(cacheNames)
	for _, name := range cacheNames {
		if err := validation.ValidateVolumeName(name); err != nil {
			return "", errkind.New(errkind.PipelineInvalid, err)
		}
		path := spec.CacheMount[name]
		if err := validation.ValidateMountPath(path); err != nil {
			return "", errkind.New(errkind.PipelineInvalid, err)
		}
		fmt.Fprintf(&b, " -v %s", validation.ShellSingleQuote(fmt.Sprintf("%s:%s", name, path)))
	}

	if spec.Workdir != "" {
		if err := validation.ValidateMountPath(spec.Workdir); err != nil {
			return "", errkind.New(errkind.PipelineInvalid, err)
		}
		fmt.Fprintf(&b, " -w %s", validation.ShellSingleQuote(spec.Workdir))
	}

	if err := validation.ValidateEnvironmentVariables(spec.Env); err != nil {
		return "", errkind.New(errkind.PipelineInvalid, err)
	}

	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		fmt.Fprintf(&b, " -e %s=%s", k, validation.ShellSingleQuote(spec.Env[k]))
	}

	fmt.Fprintf(&b, " %s", spec.Image)
	fmt.Fprintf(&b, " sh -c %s", validation.ShellSingleQuote(spec.Command))

	return b.String(), nil
}
