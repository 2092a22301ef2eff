package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database.
// Records and sets are durable; notifications fan out in-process only.
type SQLiteStore struct {
	db     *sql.DB
	hub    *hub
	closed atomic.Bool
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Config

	// Path is the database file. ":memory:" keeps everything in memory.
	Path string

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns configuration with sensible defaults.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Config:      DefaultConfig(),
		Path:        "agentstudio.db",
		BusyTimeout: 5 * time.Second,
	}
}

// NewSQLiteStore opens (creating if needed) a SQLite record store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultSQLiteConfig().Path
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultSQLiteConfig().BusyTimeout
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps pragmas and :memory: contents consistent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, hub: newHub(cfg.BufferSize)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS set_members (
			set_key TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (set_key, member)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Set upserts value under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return value, nil
}

// Del removes key and reports whether a row was deleted.
func (s *SQLiteStore) Del(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("sqlite del %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite del %s: %w", key, err)
	}
	return n > 0, nil
}

// AddToSet inserts member into the set; duplicates are ignored.
func (s *SQLiteStore) AddToSet(ctx context.Context, setKey, member string) error {
	if err := ValidateKey(setKey); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO set_members (set_key, member) VALUES (?, ?)`, setKey, member)
	if err != nil {
		return fmt.Errorf("sqlite sadd %s: %w", setKey, err)
	}
	return nil
}

// RemoveFromSet deletes member from the set.
func (s *SQLiteStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	if err := ValidateKey(setKey); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM set_members WHERE set_key = ? AND member = ?`, setKey, member)
	if err != nil {
		return fmt.Errorf("sqlite srem %s: %w", setKey, err)
	}
	return nil
}

// MembersOf returns the members of a set in lexical order.
func (s *SQLiteStore) MembersOf(ctx context.Context, setKey string) ([]string, error) {
	if err := ValidateKey(setKey); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM set_members WHERE set_key = ? ORDER BY member`, setKey)
	if err != nil {
		return nil, fmt.Errorf("sqlite smembers %s: %w", setKey, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("sqlite smembers %s: %w", setKey, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Publish delivers message to in-process subscribers of channel.
// It blocks while a subscriber's buffer is full, until ctx ends.
func (s *SQLiteStore) Publish(ctx context.Context, channel, message string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.hub.publish(ctx, channel, message); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers an in-process subscription on channel.
func (s *SQLiteStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.hub.subscribe(channel), nil
}

// Close closes subscriptions and the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.closeAll()
	return s.db.Close()
}
