// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Agent.MasterURL)
	assert.Equal(t, 8090, cfg.Agent.Port)
	assert.Equal(t, 2, cfg.Agent.MaxBuilds)
}

func TestNewConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\nagent:\n  master_url: \"http://master:8080\"\n"), 0o644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "http://master:8080", cfg.Agent.MasterURL)
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := defaultConfig()
	cfg.Log.Level = "LOUD"
	assert.Error(t, cfg.validate())
}

func TestValidate_RejectsInvalidPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Port = 0
	assert.Error(t, cfg.validate())
}

func TestValidate_RejectsNonPositivePoolSize(t *testing.T) {
	cfg := defaultConfig()
	cfg.Dispatch.LocalPoolSize = 0
	assert.Error(t, cfg.validate())
}

func TestGetDSN_Sqlite(t *testing.T) {
	dc := DatabaseConfig{Driver: "sqlite", Database: "forgecore.db"}
	assert.Equal(t, "forgecore.db", dc.GetDSN())
}

func TestGetDSN_SqliteMemory(t *testing.T) {
	dc := DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	assert.Equal(t, "file::memory:?cache=shared", dc.GetDSN())
}

func TestGetDSN_Postgres(t *testing.T) {
	dc := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, Username: "u", Password: "p", Database: "forgecore", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=forgecore sslmode=disable", dc.GetDSN())
}
