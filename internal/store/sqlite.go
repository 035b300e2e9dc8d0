// ABOUTME: SQLite-backed capture log using modernc.org/sqlite.
// ABOUTME: Records each dispatched command's outcome for operator review.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/probelab/tabwatch/internal/wire"
)

// Capture is one dispatched command and its outcome. It records broker
// activity only, never session state or the tabs' captured event buffers.
type Capture struct {
	ID         int64
	SID        string
	Command    string
	Kinds      []wire.DumpKind
	OK         bool
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// SQLiteStore persists capture records.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the capture database at path, creating
// parent directories and the schema as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("capture store initialized", "path", path)
	return s, nil
}

// createSchema creates the captures table if it doesn't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS captures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sid TEXT NOT NULL,
			command TEXT NOT NULL,
			kinds TEXT NOT NULL,
			ok INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_captures_sid_created
			ON captures(sid, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCapture inserts one capture record and fills in its assigned id.
func (s *SQLiteStore) RecordCapture(ctx context.Context, c *Capture) error {
	kinds := make([]string, len(c.Kinds))
	for i, k := range c.Kinds {
		kinds[i] = string(k)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO captures (sid, command, kinds, ok, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.SID, c.Command, strings.Join(kinds, ","), c.OK, c.Error, c.DurationMS, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting capture: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// ListCaptures returns the most recent captures, newest first. A non-empty
// sid filters to one session; limit <= 0 defaults to 100.
func (s *SQLiteStore) ListCaptures(ctx context.Context, sid string, limit int) ([]*Capture, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, sid, command, kinds, ok, error, duration_ms, created_at
		FROM captures`
	args := []any{}
	if sid != "" {
		query += ` WHERE sid = ?`
		args = append(args, sid)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying captures: %w", err)
	}
	defer rows.Close()

	var out []*Capture
	for rows.Next() {
		var c Capture
		var kinds string
		if err := rows.Scan(&c.ID, &c.SID, &c.Command, &kinds, &c.OK, &c.Error, &c.DurationMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning capture: %w", err)
		}
		if kinds != "" {
			for _, k := range strings.Split(kinds, ",") {
				c.Kinds = append(c.Kinds, wire.DumpKind(k))
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
