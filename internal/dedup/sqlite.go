package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store in a local SQLite file for single-host
// deployments that run the relay from cron.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS delivered (
		channel      TEXT NOT NULL,
		category     TEXT NOT NULL,
		message_id   TEXT NOT NULL,
		delivered_at INTEGER NOT NULL,
		PRIMARY KEY (channel, category, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_delivered_recent ON delivered(channel, category, delivered_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Recent returns ids ordered by delivery time, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, channel, category string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM delivered
		 WHERE channel = ? AND category = ?
		 ORDER BY delivered_at DESC, rowid DESC
		 LIMIT ?`,
		channel, category, limit)
	if err != nil {
		return nil, fmt.Errorf("query delivered: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Put upserts the delivered record.
func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivered (channel, category, message_id, delivered_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel, category, message_id) DO UPDATE SET delivered_at = excluded.delivered_at`,
		entry.Channel, entry.Category, entry.MessageID, entry.DeliveredAt.Unix())
	if err != nil {
		return fmt.Errorf("insert delivered: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
