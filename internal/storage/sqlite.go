// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"

	"github.com/jeranaias/graphite/internal/telemetry"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore keeps sessions in a single SQLite database. Listing metadata is
// denormalized into columns so List never decodes session bodies.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fail("open", "", fmt.Errorf("create database directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fail("open", "", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fail("open", "", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fail("migrate", "", err)
	}

	logger.Debug("sqlite session store ready", zap.String("path", path))
	return &SQLiteStore{db: db, now: time.Now, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Save upserts the session row.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) (err error) {
	defer func() { telemetry.ObserveStorage(BackendSQLite, "save", err) }()

	prepare(sess, s.now())
	data, err := json.Marshal(sess)
	if err != nil {
		return fail("save", sess.ID, err)
	}
	meta := sess.Meta()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at, node_count, key_count, run_count, last_status, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			node_count = excluded.node_count,
			key_count = excluded.key_count,
			run_count = excluded.run_count,
			last_status = excluded.last_status,
			data = excluded.data`,
		meta.ID, meta.Title, formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt),
		meta.Nodes, meta.Keys, meta.Runs, meta.Status, data)
	return fail("save", sess.ID, err)
}

// Load reads and decodes one session.
func (s *SQLiteStore) Load(ctx context.Context, id string) (_ *Session, err error) {
	defer func() { telemetry.ObserveStorage(BackendSQLite, "load", err) }()

	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fail("load", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fail("load", id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fail("load", id, fmt.Errorf("decode: %w", err))
	}
	return &sess, nil
}

// List returns session metadata from the denormalized columns.
func (s *SQLiteStore) List(ctx context.Context) (_ []SessionMeta, err error) {
	defer func() { telemetry.ObserveStorage(BackendSQLite, "list", err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, node_count, key_count, run_count, last_status
		FROM sessions`)
	if err != nil {
		return nil, fail("list", "", err)
	}
	defer rows.Close()

	metas := []SessionMeta{}
	for rows.Next() {
		var (
			m                  SessionMeta
			created, updated string
		)
		if err := rows.Scan(&m.ID, &m.Title, &created, &updated, &m.Nodes, &m.Keys, &m.Runs, &m.Status); err != nil {
			return nil, fail("list", "", err)
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, fail("list", m.ID, err)
		}
		if m.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fail("list", m.ID, err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("list", "", err)
	}

	sortMetas(metas)
	return metas, nil
}

// Delete removes one session row.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { telemetry.ObserveStorage(BackendSQLite, "delete", err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fail("delete", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail("delete", id, err)
	}
	if n == 0 {
		return fail("delete", id, ErrSessionNotFound)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
