// Package history persists processed exchanges in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"larkrelay/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the exchange database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id          TEXT PRIMARY KEY,
		message_id  TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		prompt      TEXT,
		reply       TEXT,
		is_error    INTEGER DEFAULT 0,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_time ON exchanges(created_at);
	CREATE INDEX IF NOT EXISTS idx_exchanges_chat ON exchanges(chat_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordExchange stores one processed exchange.
func (s *SQLiteStore) RecordExchange(ctx context.Context, ex domain.Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, message_id, chat_id, prompt, reply, is_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.MessageID, ex.ChatID, ex.Prompt, ex.Reply, boolToInt(ex.IsError), ex.CreatedAt,
	)
	return err
}

// ListRecent returns the newest exchanges, most recent first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]domain.Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, chat_id, prompt, reply, is_error, created_at
		 FROM exchanges ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Exchange
	for rows.Next() {
		var ex domain.Exchange
		var isErr int
		if err := rows.Scan(&ex.ID, &ex.MessageID, &ex.ChatID, &ex.Prompt, &ex.Reply, &isErr, &ex.CreatedAt); err != nil {
			return nil, err
		}
		ex.IsError = isErr != 0
		result = append(result, ex)
	}
	return result, rows.Err()
}

// Prune deletes exchanges older than the given time and reports how many
// rows went away.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned exchange history", "rows", n)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
