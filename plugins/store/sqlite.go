package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS kv_entries (
	store      TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (store, key)
)`

// SQLiteBackend stores entries in a single SQLite table
type SQLiteBackend struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// configureSQLiteConnection enables WAL and a busy timeout and verifies
// the journal mode took effect
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory"
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugw("SQLite store configured", "path", dbPath, "journal_mode", journalMode)
	return nil
}

// NewSQLiteBackend opens (creating if needed) the store database at dbPath
func NewSQLiteBackend(dbPath string, logger *zap.SugaredLogger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dbPath == "" {
		return nil, errors.New("store database path cannot be empty")
	}
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	// one connection keeps PRAGMAs and in-memory databases consistent
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configureSQLiteConnection(db, logger, dbPath); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(createEntriesTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create store table: %w", err)
	}

	logger.Infow("SQLite store opened", "path", dbPath)
	return &SQLiteBackend{db: db, logger: logger}, nil
}

func (s *SQLiteBackend) Get(ctx context.Context, store, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_entries WHERE store = ? AND key = ?", store, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteBackend) Set(ctx context.Context, store, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (store, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		store, key, string(value), time.Now().UnixMilli())
	return err
}

func (s *SQLiteBackend) Delete(ctx context.Context, store, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv_entries WHERE store = ? AND key = ?", store, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteBackend) Keys(ctx context.Context, store string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM kv_entries WHERE store = ? ORDER BY key", store)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteBackend) Entries(ctx context.Context, store string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM kv_entries WHERE store = ?", store)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		entries[key] = json.RawMessage(value)
	}
	return entries, rows.Err()
}

func (s *SQLiteBackend) Clear(ctx context.Context, store string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv_entries WHERE store = ?", store)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteBackend) Length(ctx context.Context, store string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv_entries WHERE store = ?", store).Scan(&n)
	return n, err
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
