package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/dosug/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when an update or delete matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidFilter is returned when a filter names an unknown column.
	ErrInvalidFilter = errors.New("invalid filter")
)

// timestampExpr yields millisecond UTC timestamps that go-sqlite3 scans into time.Time.
const timestampExpr = `(strftime('%Y-%m-%d %H:%M:%f', 'now'))`

const timestampLayout = "2006-01-02 15:04:05.000"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	telegram_id INTEGER PRIMARY KEY,
	username    TEXT,
	created_at  DATETIME NOT NULL DEFAULT ` + timestampExpr + `,
	updated_at  DATETIME NOT NULL DEFAULT ` + timestampExpr + `
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	text       TEXT,
	user_id    INTEGER NOT NULL REFERENCES users(telegram_id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL DEFAULT ` + timestampExpr + `,
	updated_at DATETIME NOT NULL DEFAULT ` + timestampExpr + `
);

CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages(user_id, created_at);
`

// Config holds store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Store owns the database handle and the repositories built on it.
type Store struct {
	db       *sql.DB
	logger   zerolog.Logger
	users    *Repository[User]
	messages *Repository[Message]
}

// Open opens (creating if needed) the SQLite database and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "storage").Logger(),
	}
	s.users = newRepository(db, usersTable)
	s.messages = newRepository(db, messagesTable)

	s.logger.Debug().Str("path", cfg.Path).Msg("Database opened")
	return s, nil
}

// Users returns the users repository.
func (s *Store) Users() *Repository[User] {
	return s.users
}

// Messages returns the messages repository.
func (s *Store) Messages() *Repository[Message] {
	return s.messages
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PruneMessages deletes messages created before cutoff and reports how many were removed.
func (s *Store) PruneMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	defer func() { observability.RecordDBOperation("messages", "prune", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?",
		cutoff.UTC().Format(timestampLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
