// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package masker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask_RedactsRegisteredValues(t *testing.T) {
	m := New()
	m.Register("supersecret")
	assert.Equal(t, "token=***", m.Mask("token=supersecret"))
}

func TestMask_IgnoresShortValues(t *testing.T) {
	m := New()
	m.Register("abc")
	assert.Equal(t, "abc stays", m.Mask("abc stays"))
}

func TestMask_NoSecretsIsNoop(t *testing.T) {
	m := New()
	assert.Equal(t, "plain text", m.Mask("plain text"))
}

func TestMask_RegisterAll(t *testing.T) {
	m := New()
	m.RegisterAll("secretone", "secrettwo")
	assert.Equal(t, "*** and ***", m.Mask("secretone and secrettwo"))
}

func TestMaskWriter_ForwardsMaskedBytes(t *testing.T) {
	m := New()
	m.Register("hunter2pass")
	var got []byte
	w := NewMaskWriter(m, func(p []byte) { got = append(got, p...) })

	n, err := w.Write([]byte("password: hunter2pass"))
	assert.NoError(t, err)
	assert.Equal(t, len("password: hunter2pass"), n)
	assert.Equal(t, "password: ***", string(got))
}
