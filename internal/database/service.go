/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.Store.
var _ store.Store = (*Service)(nil)

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	// _txlock=immediate takes the write lock at BEGIN, so every portfolio
	// read-modify-write below runs single-writer.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_foreign_keys=1&_txlock=immediate&_busy_timeout=%d",
		cfg.Path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after ping failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db, now: time.Now}
	if err := service.initSchema(ctx, cfg.CreateDummyUsers); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after schema failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// WithClock overrides the clock used for row timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// Ping reports whether the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Service) initSchema(ctx context.Context, createDummyUsers bool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		destination TEXT NOT NULL DEFAULT '',
		linked_account_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	CREATE INDEX IF NOT EXISTS idx_users_active ON users(active);

	-- Write-once token bindings; fragments are indexed for the decode-hint path
	CREATE TABLE IF NOT EXISTS tracking_mappings (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		user_fragment TEXT NOT NULL,
		partner_fragment TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_user ON tracking_mappings(user_id);
	CREATE INDEX IF NOT EXISTS idx_mappings_fragments ON tracking_mappings(user_fragment, partner_fragment);

	-- Hot balance state, one row per user
	CREATE TABLE IF NOT EXISTS portfolios (
		user_id TEXT PRIMARY KEY,
		available TEXT NOT NULL DEFAULT '0',
		pending TEXT NOT NULL DEFAULT '0',
		locked_tier1 TEXT NOT NULL DEFAULT '0',
		locked_tier2 TEXT NOT NULL DEFAULT '0',
		total_earned TEXT NOT NULL DEFAULT '0',
		external_available TEXT NOT NULL DEFAULT '0',
		external_locked_tier2 TEXT NOT NULL DEFAULT '0',
		external_total_earned TEXT NOT NULL DEFAULT '0',
		last_merge_at TIMESTAMP,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL
	);

	-- Append-only history; external_ref is the idempotency key
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL CHECK (kind IN ('earned', 'withdrawal', 'merge', 'manual-credit')),
		amount TEXT NOT NULL,
		external_ref TEXT UNIQUE,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'rejected', 'failed')),
		reason TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference ON transactions(reference);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		tier TEXT NOT NULL CHECK (tier IN ('tier1', 'tier2')),
		created_at TIMESTAMP NOT NULL,
		matures_at TIMESTAMP NOT NULL,
		upgradeable BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('active', 'matured', 'upgraded')),
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_locks_user_status ON locks(user_id, status);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('held', 'finalized', 'released')),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY REFERENCES reservations(id),
		user_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		settlement_ref TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status);

	CREATE TABLE IF NOT EXISTS poll_cursors (
		source TEXT PRIMARY KEY,
		high_water_mark TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	` + journalSchema

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// Insert 3 dummy users for testing if configured to do so
	if createDummyUsers {
		users := []struct {
			id    string
			name  string
			email string
		}{
			{uuid.New().String(), "Alice Johnson", "alice.johnson@example.com"},
			{uuid.New().String(), "Bob Smith", "bob.smith@example.com"},
			{uuid.New().String(), "Carol Williams", "carol.williams@example.com"},
		}

		for _, user := range users {
			_, err := s.db.ExecContext(ctx, queryInsertUser, user.id, user.name, user.email)
			if err != nil {
				zap.L().Error("Failed to insert dummy user", zap.String("name", user.name), zap.Error(err))
			} else {
				zap.L().Info("Dummy user created", zap.String("id", user.id), zap.String("name", user.name))
			}
		}
	} else {
		zap.L().Debug("Skipping dummy user creation (CREATE_DUMMY_USERS=false)")
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		zap.L().Warn("Failed to roll back transaction", zap.Error(err))
	}
}
