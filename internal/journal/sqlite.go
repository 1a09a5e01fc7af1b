package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the journal in a local SQLite file. It can share the
// file with the dedup store.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
// retention <= 0 uses DefaultRetention.
func NewSQLiteStore(dbPath string, retention time.Duration) (*SQLiteStore, error) {
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

	if retention <= 0 {
		retention = DefaultRetention
	}
	store := &SQLiteStore{db: db, retention: retention, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal_posts (
		chat_id    TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		username   TEXT NOT NULL DEFAULT '',
		posted_at  INTEGER NOT NULL,
		body       TEXT NOT NULL,
		PRIMARY KEY (chat_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_journal_posted ON journal_posts(posted_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) cutoff() int64 {
	return s.now().Add(-s.retention).Unix()
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, username, body FROM journal_posts
		 WHERE posted_at >= ?
		 ORDER BY chat_id, message_id`,
		s.cutoff())
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var body string
		if err := rows.Scan(&p.Chat, &p.Username, &body); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &p.Message); err != nil {
			return nil, fmt.Errorf("decode journal post %s: %w", p.Chat, err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// Save upserts posts in one transaction and prunes expired rows.
func (s *SQLiteStore) Save(ctx context.Context, posts []Post) error {
	if len(posts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range posts {
		body, err := json.Marshal(p.Message)
		if err != nil {
			return fmt.Errorf("encode journal post %d: %w", p.Message.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO journal_posts (chat_id, message_id, username, posted_at, body)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(chat_id, message_id) DO UPDATE SET
			   username = excluded.username,
			   posted_at = excluded.posted_at,
			   body = excluded.body`,
			p.Chat, p.Message.ID, p.Username, p.Message.Timestamp.Unix(), string(body))
		if err != nil {
			return fmt.Errorf("insert journal post %d: %w", p.Message.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM journal_posts WHERE posted_at < ?`, s.cutoff()); err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
