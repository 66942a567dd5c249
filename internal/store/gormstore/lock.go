// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package gormstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// lockConns holds one dedicated *sql.Conn per held advisory lock name.
// Postgres advisory locks are session-scoped: releasing them correctly
// requires running pg_advisory_unlock on the exact connection that
// acquired the lock, not just any pooled connection.
type lockHandle struct {
	conn *sql.Conn
}

var lockMu sync.Mutex

// AdvisoryLock attempts to acquire a non-blocking, connection-scoped named
// lock (C16). On Postgres it uses pg_try_advisory_lock; on an engine with
// no multi-master support (SQLite) the lock is granted unconditionally,
// per §9 Design Notes.
func (s *GormStore) AdvisoryLock(ctx context.Context, name string) (bool, error) {
	if !s.supportsSkipLocked() {
		return true, nil
	}

	lockMu.Lock()
	defer lockMu.Unlock()

	if s.locks == nil {
		s.locks = make(map[string]*lockHandle)
	}
	if _, held := s.locks[name]; held {
		return true, nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return false, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1)::bigint)", name)
	if err := row.Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock query failed: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	s.locks[name] = &lockHandle{conn: conn}
	return true, nil
}

// AdvisoryUnlock releases a previously acquired named lock. On SQLite it is
// a no-op since AdvisoryLock never actually took one.
func (s *GormStore) AdvisoryUnlock(ctx context.Context, name string) error {
	if !s.supportsSkipLocked() {
		return nil
	}

	lockMu.Lock()
	defer lockMu.Unlock()

	handle, held := s.locks[name]
	if !held {
		return nil
	}
	defer handle.conn.Close()
	delete(s.locks, name)

	_, err := handle.conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1)::bigint)", name)
	return err
}
