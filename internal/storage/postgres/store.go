package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxConns        = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// Store держит пул database/sql к базе с remote-таблицей orders. Listener открывает
// отдельное нативное соединение по тому же DSN.
type Store struct {
	db  *sql.DB
	dsn string
}

type poolOptions struct {
	maxConns        int
	connMaxLifetime time.Duration
}

// Option настраивает пул соединений.
type Option func(*poolOptions)

// WithMaxConns ограничивает число открытых соединений; значения <= 0 игнорируются.
func WithMaxConns(n int) Option {
	return func(o *poolOptions) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithConnMaxLifetime задаёт время жизни соединения в пуле.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *poolOptions) {
		if d > 0 {
			o.connMaxLifetime = d
		}
	}
}

// Open открывает пул и проверяет доступность базы; недоступность классифицируется
// как domain.ErrConnectivity.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	opts := poolOptions{maxConns: defaultMaxConns, connMaxLifetime: defaultConnMaxLifetime}
	for _, option := range options {
		option(&opts)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(opts.maxConns)
	db.SetMaxIdleConns(opts.maxConns)
	db.SetConnMaxLifetime(opts.connMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	store := &Store{db: db, dsn: dsn}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) DSN() string {
	return s.dsn
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return classify("ping postgres", s.db.PingContext(pingCtx))
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает пул; nil-safe.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
