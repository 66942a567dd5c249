// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gormstore is the GORM-backed implementation of internal/store,
// portable across an embedded SQLite engine (single-master) and a
// networked Postgres engine (SELECT ... FOR UPDATE SKIP LOCKED, advisory
// locks), selected at startup from config.DatabaseConfig.Driver.
package gormstore

import (
	"fmt"

	"github.com/forgecore/forgecore/internal/config"
	"github.com/forgecore/forgecore/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore wraps a GORM connection and implements store.Store.
type GormStore struct {
	db     *gorm.DB
	driver string
	locks  map[string]*lockHandle
}

// New opens a GORM connection for the configured driver and returns a
// GormStore. Callers must call AutoMigrate before first use.
func New(cfg *config.DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	return &GormStore{db: db, driver: driver}, nil
}

// AutoMigrate creates/updates every table the core depends on.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Job{},
		&model.Build{},
		&model.StageRecord{},
		&model.StepRecord{},
		&model.BuildEvent{},
		&model.QueueEntry{},
		&model.Agent{},
		&model.CacheEntry{},
		&model.StageCacheEntry{},
		&model.ApprovalGate{},
		&model.Artifact{},
		&model.Secret{},
	)
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// supportsSkipLocked reports whether the driver can execute
// SELECT ... FOR UPDATE SKIP LOCKED; SQLite cannot (single-writer engine),
// so dequeue there falls back to transactional serialization (§9 Design Notes).
func (s *GormStore) supportsSkipLocked() bool {
	return s.driver == "postgres"
}
