// Marketwatch is a Steam Community Market monitoring service.
// Copyright (C) 2026 Marketwatch Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the relational persistence layer for tasks,
// found items, and proxies, including schema migrations. It runs on
// SQLite for embedded deployments and on PostgreSQL via pgx; all SQL is
// written with ? placeholders and rebound per dialect.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"

	defaultBusyTimeout = 5 * time.Second

	// Scheduling updates run under a short deadline so a wedged
	// database cannot stall the worker pipeline.
	updateTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrInvalid indicates the input failed store-level validation.
	ErrInvalid = errors.New("invalid")

	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("conflict")
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know about.
	sqlx.BindDriver(driverSQLite, sqlx.QUESTION)
}

// Store wraps a database connection and provides typed accessors.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects to the database named by url, applies connection
// settings, runs migrations, and returns a ready Store. Supported
// schemes are sqlite:// (path, or :memory: for tests) and
// postgres:// / postgresql://.
func Open(ctx context.Context, url string) (*Store, error) {
	driver, dsn, err := splitURL(url)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	switch driver {
	case driverSQLite:
		db.SetConnMaxLifetime(0)
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(8)
		if strings.Contains(dsn, ":memory:") {
			// A shared-cache memory database still needs a single
			// connection to stay coherent across the pool.
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
	case driverPostgres:
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(8)
		db.SetMaxOpenConns(16)
	}

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func splitURL(url string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("%w: empty sqlite path", ErrInvalid)
		}
		if path == ":memory:" {
			return driverSQLite, "file::memory:?_pragma=foreign_keys(ON)", nil
		}
		// Pragmas for durability and concurrency: busy_timeout backs off
		// on a locked database, WAL improves reader/writer concurrency.
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
			path, int(defaultBusyTimeout.Milliseconds()))
		return driverSQLite, dsn, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return driverPostgres, url, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported database url %q", ErrInvalid, redactScheme(url))
	}
}

// redactScheme keeps only the scheme of an unparseable URL for error text.
func redactScheme(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i+3] + "..."
	}
	return "..."
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies database connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to the dialect's bind format.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// insertReturningID runs an INSERT and reports the new row id across
// both dialects.
func (s *Store) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.driver == driverPostgres {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// insertReturningIDTx is insertReturningID inside an open transaction.
func (s *Store) insertReturningIDTx(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, error) {
	if s.driver == driverPostgres {
		var id int64
		err := tx.QueryRowxContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --------------- Migrations ---------------

// dialect collects the type spellings that differ between backends.
type dialect struct {
	pk        string // autoincrementing integer primary key
	timestamp string
	real      string
	bigint    string
}

func (s *Store) dialect() dialect {
	if s.driver == driverPostgres {
		return dialect{
			pk:        "BIGSERIAL PRIMARY KEY",
			timestamp: "TIMESTAMPTZ",
			real:      "DOUBLE PRECISION",
			bigint:    "BIGINT",
		}
	}
	return dialect{
		pk:        "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp: "TIMESTAMP",
		real:      "REAL",
		bigint:    "INTEGER",
	}
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS app_settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM app_settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, s.rebind(q), schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO app_settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, s.rebind(upsert), schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	d := s.dialect()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS monitoring_tasks (
  id             %s,
  name           TEXT NOT NULL,
  item_name      TEXT NOT NULL,
  appid          INTEGER NOT NULL DEFAULT 730,
  currency       INTEGER NOT NULL DEFAULT 1,
  filters        TEXT NOT NULL DEFAULT '{}',
  is_active      BOOLEAN NOT NULL DEFAULT TRUE,
  check_interval INTEGER NOT NULL,
  total_checks   %s NOT NULL DEFAULT 0,
  items_found    %s NOT NULL DEFAULT 0,
  last_check     %s NULL,
  next_check     %s NULL,
  created_at     %s NOT NULL,
  updated_at     %s NOT NULL
);`, d.pk, d.bigint, d.bigint, d.timestamp, d.timestamp, d.timestamp, d.timestamp),
		`CREATE INDEX IF NOT EXISTS idx_tasks_active ON monitoring_tasks(is_active);`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS found_items (
  id                   %s,
  task_id              %s NOT NULL REFERENCES monitoring_tasks(id) ON DELETE CASCADE,
  item_name            TEXT NOT NULL,
  price                %s NOT NULL,
  item_data            TEXT NOT NULL,
  listing_id           TEXT NULL,
  market_url           TEXT NULL,
  inspect_links        TEXT NULL,
  notification_sent    BOOLEAN NOT NULL DEFAULT FALSE,
  notification_sent_at %s NULL,
  found_at             %s NOT NULL
);`, d.pk, d.bigint, d.real, d.timestamp, d.timestamp),
		`CREATE INDEX IF NOT EXISTS idx_found_items_task ON found_items(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_found_items_listing ON found_items(task_id, listing_id);`,
		`CREATE INDEX IF NOT EXISTS idx_found_items_unnotified ON found_items(notification_sent, found_at);`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS proxies (
  id            %s,
  url           TEXT NOT NULL UNIQUE,
  is_active     BOOLEAN NOT NULL DEFAULT TRUE,
  delay_seconds %s NOT NULL DEFAULT 1.0,
  success_count %s NOT NULL DEFAULT 0,
  fail_count    %s NOT NULL DEFAULT 0,
  last_error    TEXT NULL,
  last_used     %s NULL,
  created_at    %s NOT NULL
);`, d.pk, d.real, d.bigint, d.bigint, d.timestamp, d.timestamp),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in app_settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO app_settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, s.rebind(upsert), key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM app_settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, s.rebind(q), key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func shortCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, updateTimeout)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
