package versions

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	seq          INTEGER PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content      BLOB NOT NULL,
	existed      INTEGER NOT NULL,
	mode         INTEGER NOT NULL,
	captured_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_path ON snapshots(path, seq);
`

// SQLiteStore persists snapshots in a SQLite database file
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the snapshot database at path
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append stores one snapshot
func (s *SQLiteStore) Append(ctx context.Context, snap Snapshot) error {
	existed := 0
	if snap.Existed {
		existed = 1
	}
	content := snap.Content
	if content == nil {
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (seq, id, path, content_hash, content, existed, mode, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Seq, snap.ID, snap.Path, snap.ContentHash, content, existed, int64(snap.Mode), snap.CapturedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LoadAll returns every stored snapshot in capture order
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, path, content_hash, content, existed, mode, captured_at
		 FROM snapshots ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap     Snapshot
			existed  int
			mode     int64
			captured int64
		)
		if err := rows.Scan(&snap.Seq, &snap.ID, &snap.Path, &snap.ContentHash, &snap.Content, &existed, &mode, &captured); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Existed = existed == 1
		snap.Mode = os.FileMode(mode)
		snap.CapturedAt = time.Unix(0, captured)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Clear deletes all snapshots
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Persister = (*SQLiteStore)(nil)
