// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"

	"github.com/forgecore/forgecore/internal/errkind"
)

// FormatParser converts an on-disk pipeline format to the canonical value.
// New formats are added by registering an implementation under a filename
// extension tag, without recompiling the core (§9 Design Notes).
type FormatParser interface {
	Parse(data []byte) (*Pipeline, error)
}

var formatRegistry = map[string]FormatParser{
	"yaml": yamlParser{},
	"yml":  yamlParser{},
	"edn":  ednParser{},
}

// GetFormatParser returns the registered parser for a filename extension.
func GetFormatParser(ext string) (FormatParser, error) {
	p, ok := formatRegistry[ext]
	if !ok {
		return nil, errkind.New(errkind.PipelineInvalid, fmt.Errorf("no pipeline parser registered for extension %q", ext))
	}
	return p, nil
}

// RegisterFormatParser adds or replaces the parser for an extension tag.
func RegisterFormatParser(ext string, p FormatParser) {
	formatRegistry[ext] = p
}
