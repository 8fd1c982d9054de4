package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/autorespond/logger"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sender_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sender_log_sender ON sender_log(sender, received_at);
CREATE INDEX IF NOT EXISTS idx_sender_log_received_at ON sender_log(received_at);
`

// SQLiteStore keeps the sender log in a single SQLite table. It is meant for
// busy mailboxes where a directory with thousands of entries gets slow to
// scan.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rate limit DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("AUTORESPOND: failed to set PRAGMA journal_mode = WAL", "error", err)
	}
	// Several deliveries may run at once; wait for the writer instead of
	// failing with SQLITE_BUSY.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("AUTORESPOND: failed to set PRAGMA busy_timeout", "error", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rate limit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string {
	return "sqlite"
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordAndCount(ctx context.Context, sender string, now time.Time, window time.Duration) (int, error) {
	key := strings.ToLower(sender)
	cutoff := now.Unix() - int64(window/time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rate limit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sender_log (sender, received_at) VALUES (?, ?)`, key, now.Unix()); err != nil {
		return 0, fmt.Errorf("failed to record sender: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sender_log WHERE received_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to purge stale entries: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sender_log WHERE sender = ?`, key).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sender entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rate limit transaction: %w", err)
	}
	return count, nil
}
