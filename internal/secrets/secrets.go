// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secrets implements the AES-256-GCM secret store described in
// §6.5: org-scoped secrets, encrypted at rest with a process-wide master
// key that never touches the Store.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

// GlobalScope is the scope name for org-wide secrets not tied to a job.
const GlobalScope = "global"

// JobScope returns the scope name for a job-local secret.
func JobScope(jobID string) string {
	return "job:" + jobID
}

// Manager encrypts/decrypts secret values with a derived AES-256-GCM key.
type Manager struct {
	store store.SecretStore
	key   [32]byte
}

// New derives a 256-bit AES key from masterKey via HKDF-SHA3 and returns a
// Manager. masterKey is never stored; only the derived key lives in memory.
func New(s store.SecretStore, masterKey []byte) (*Manager, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("secrets master key must not be empty")
	}
	var key [32]byte
	kdf := hkdf.New(sha3.New256, masterKey, nil, []byte("forgecore-secrets-v1"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("derive secrets key: %w", err)
	}
	return &Manager{store: s, key: key}, nil
}

func (m *Manager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.key[:])
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Put encrypts value and upserts it under {orgID, scope, name}.
func (m *Manager) Put(ctx context.Context, orgID, scope, name, value string) error {
	gcm, err := m.gcm()
	if err != nil {
		return errkind.New(errkind.SecretMissing, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return errkind.New(errkind.SecretMissing, fmt.Errorf("generate nonce: %w", err))
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(value), nil)

	secret := &model.Secret{
		OrgIDValue:    orgID,
		Scope:         scope,
		Name:          name,
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		IVB64:         base64.StdEncoding.EncodeToString(nonce),
	}
	if err := m.store.PutSecret(ctx, secret); err != nil {
		return fmt.Errorf("store secret %s/%s: %w", scope, name, err)
	}
	return nil
}

// Get decrypts and returns the plaintext value for {orgID, scope, name}.
func (m *Manager) Get(ctx context.Context, orgID, scope, name string) (string, error) {
	secret, err := m.store.GetSecret(ctx, orgID, scope, name)
	if err != nil {
		return "", fmt.Errorf("load secret %s/%s: %w", scope, name, err)
	}
	if secret == nil {
		return "", errkind.New(errkind.SecretMissing, fmt.Errorf("secret %s/%s not found", scope, name))
	}
	return m.decrypt(secret)
}

// LoadForJob returns every decrypted secret visible to jobID: org-global
// secrets plus job-scoped ones, job-scoped taking precedence on name
// collision.
func (m *Manager) LoadForJob(ctx context.Context, orgID, jobID string) (map[string]string, error) {
	result := make(map[string]string)

	global, err := m.store.ListSecrets(ctx, orgID, GlobalScope)
	if err != nil {
		return nil, fmt.Errorf("list global secrets: %w", err)
	}
	for _, s := range global {
		v, err := m.decrypt(s)
		if err != nil {
			return nil, err
		}
		result[s.Name] = v
	}

	jobScoped, err := m.store.ListSecrets(ctx, orgID, JobScope(jobID))
	if err != nil {
		return nil, fmt.Errorf("list job secrets: %w", err)
	}
	for _, s := range jobScoped {
		v, err := m.decrypt(s)
		if err != nil {
			return nil, err
		}
		result[s.Name] = v
	}

	return result, nil
}

func (m *Manager) decrypt(secret *model.Secret) (string, error) {
	gcm, err := m.gcm()
	if err != nil {
		return "", errkind.New(errkind.SecretMissing, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(secret.IVB64)
	if err != nil {
		return "", fmt.Errorf("decode nonce for secret %s: %w", secret.Name, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(secret.CiphertextB64)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext for secret %s: %w", secret.Name, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errkind.New(errkind.SecretMissing, fmt.Errorf("decrypt secret %s: %w", secret.Name, err))
	}
	return string(plaintext), nil
}
