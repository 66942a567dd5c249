// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// validImageNameRegex matches a Docker image reference (§6.3).
var validImageNameRegex = regexp.MustCompile(`^[A-Za-z0-9._\-/:@]+$`)

// validVolumeNameRegex matches a named volume identifier (§6.3).
var validVolumeNameRegex = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// shellMetacharacters matches characters that make a mount path unsafe to
// interpolate into a shell command.
var shellMetacharacters = regexp.MustCompile(`[;&|$` + "`" + `<>(){}*?\[\]\\'"\s]`)

// ValidateImageName checks image against the allowed character set.
func ValidateImageName(image string) error {
	if image == "" || !validImageNameRegex.MatchString(image) {
		return ValidationError{Field: "image", Message: fmt.Sprintf("invalid image name %q", image)}
	}
	return nil
}

// ValidateVolumeName checks a named (cache) volume identifier.
func ValidateVolumeName(name string) error {
	if name == "" || !validVolumeNameRegex.MatchString(name) {
		return ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume name %q", name)}
	}
	return nil
}

// ValidateMountPath checks that path is absolute, contains no ".." segment
// after normalization, and has no shell metacharacters.
func ValidateMountPath(path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return ValidationError{Field: "mount", Message: fmt.Sprintf("mount path %q must be absolute", path)}
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return ValidationError{Field: "mount", Message: fmt.Sprintf("mount path %q escapes its root", path)}
	}
	if shellMetacharacters.MatchString(path) {
		return ValidationError{Field: "mount", Message: fmt.Sprintf("mount path %q contains shell metacharacters", path)}
	}
	return nil
}

// ShellSingleQuote escapes s for safe interpolation inside single quotes in
// a `sh -c '...'` invocation: close the quote, escape the embedded quote,
// reopen it.
func ShellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
