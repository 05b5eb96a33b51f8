// Package storage persists document state in SQLite.
//
// One row per document holds the latest saved state. Writes are plain
// upserts: whichever instance stores last wins, which is why stores are
// coordinated through the replication lease.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Iron-Ham/docmesh/internal/errors"
)

// Config configures Open.
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB is an open document database.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at cfg.Path, applies WAL
// pragmas and runs migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.NewValidationError("sqlite path is required").WithField("storage.path")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Path, err)
	}

	d := &DB{db: sqlDB, now: time.Now}
	if err := d.applyPragmas(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := d.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// Migrate creates the schema. It is safe to run repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS documents (
  name          TEXT PRIMARY KEY,
  state         BLOB NOT NULL,
  updated_at_ns INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Fetch returns the stored state of a document. A document that was never
// stored returns (nil, nil).
func (d *DB) Fetch(ctx context.Context, name string) ([]byte, error) {
	var state []byte
	err := d.db.QueryRowContext(ctx, `SELECT state FROM documents WHERE name = ?`, name).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Sprintf("fetch %q", name), err)
	}
	return state, nil
}

// Store replaces the stored state of a document.
func (d *DB) Store(ctx context.Context, name string, state []byte) error {
	if name == "" {
		return errors.NewValidationError("document name is required").WithField("name")
	}
	if state == nil {
		state = []byte{}
	}
	_, err := d.db.ExecContext(ctx, `
INSERT INTO documents(name, state, updated_at_ns)
VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  state = excluded.state,
  updated_at_ns = excluded.updated_at_ns;
`, name, state, d.now().UnixNano())
	if err != nil {
		return classify(fmt.Sprintf("store %q", name), err)
	}
	return nil
}

// Record is one stored document's metadata.
type Record struct {
	Name      string
	Size      int
	UpdatedAt time.Time
}

// List returns every stored document, most recently updated first.
func (d *DB) List(ctx context.Context) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, length(state), updated_at_ns FROM documents ORDER BY updated_at_ns DESC, name`)
	if err != nil {
		return nil, classify("list", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ns int64
		)
		if err := rows.Scan(&r.Name, &r.Size, &ns); err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		r.UpdatedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// classify marks SQLite busy and locked errors with ErrStorageBusy so
// callers can treat them as transient.
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w", op, errors.Join(errors.ErrStorageBusy, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
