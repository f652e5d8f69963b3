// Package sqlite реализует durable key-value backend локального хранилища на SQLite.
//
// Несколько процессов могут открыть один файл: каждая запись выполняется в
// BEGIN IMMEDIATE транзакции, поэтому read-modify-write очереди не перемешивается.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at TEXT NOT NULL DEFAULT ''
);
`

const defaultBusyTimeoutMs = 5000

// KV реализует local.Backend поверх SQLite.
type KV struct {
	db *sql.DB
}

// DefaultPath возвращает путь по умолчанию: ~/.local/share/ordersync/local.db
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ordersync", "local.db"), nil
}

// Open открывает (или создаёт) базу по path и применяет схему.
func Open(path string) (*KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating local store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, defaultBusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Один writer на процесс, межпроцессную очерёдность обеспечивает busy timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &KV{db: db}, nil
}

// Close освобождает соединение с базой.
func (kv *KV) Close() error {
	return kv.db.Close()
}

// Ping проверяет, что база доступна.
func (kv *KV) Ping(ctx context.Context) error {
	return kv.db.PingContext(ctx)
}

func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := kv.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := kv.db.ExecContext(ctx, upsertSQL, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (kv *KV) Delete(ctx context.Context, key string) error {
	if _, err := kv.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Update читает и перезаписывает ключ в одной транзакции.
func (kv *KV) Update(ctx context.Context, key string, fn func(current []byte, ok bool) ([]byte, error)) (err error) {
	tx, err := kv.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current []byte
	ok := true
	scanErr := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&current)
	switch {
	case errors.Is(scanErr, sql.ErrNoRows):
		ok = false
	case scanErr != nil:
		return fmt.Errorf("read %q: %w", key, scanErr)
	}

	next, err := fn(current, ok)
	if err != nil {
		return err
	}

	if next == nil {
		if _, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	} else if _, err = tx.ExecContext(ctx, upsertSQL, key, next, formatTime(time.Now())); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %q: %w", key, err)
	}
	return nil
}

const upsertSQL = `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
