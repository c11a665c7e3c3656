package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type sqlDialect struct {
	name   string
	schema string
	get    string
	upsert string
	del    string
}

var postgresDialect = sqlDialect{
	name: "postgres",
	schema: `
CREATE TABLE IF NOT EXISTS client_session_kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, key)
)`,
	get: `
SELECT value FROM client_session_kv
WHERE namespace = $1 AND key = $2`,
	upsert: `
INSERT INTO client_session_kv (namespace, key, value, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	del: `DELETE FROM client_session_kv WHERE namespace = $1 AND key = $2`,
}

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: `
CREATE TABLE IF NOT EXISTS client_session_kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (namespace, key)
)`,
	get: `
SELECT value FROM client_session_kv
WHERE namespace = ? AND key = ?`,
	upsert: `
INSERT INTO client_session_kv (namespace, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	del: `DELETE FROM client_session_kv WHERE namespace = ? AND key = ?`,
}

// SQLKV stores keys in a client_session_kv table, one row per key, scoped by
// namespace.
type SQLKV struct {
	db        *sql.DB
	namespace string
	dialect   sqlDialect
	nowFunc   func() time.Time
}

// NewPostgresKV expects db to be opened with the lib/pq driver.
func NewPostgresKV(ctx context.Context, db *sql.DB, namespace string) (*SQLKV, error) {
	return newSQLKV(ctx, db, namespace, postgresDialect)
}

// NewSQLiteKV expects db to be opened with the go-sqlite3 driver.
func NewSQLiteKV(ctx context.Context, db *sql.DB, namespace string) (*SQLKV, error) {
	return newSQLKV(ctx, db, namespace, sqliteDialect)
}

func newSQLKV(ctx context.Context, db *sql.DB, namespace string, d sqlDialect) (*SQLKV, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, fmt.Errorf("session namespace is required")
	}
	s := &SQLKV{db: db, namespace: namespace, dialect: d, nowFunc: time.Now}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("ensure client_session_kv schema (%s): %w", d.name, err)
	}
	return s, nil
}

func (s *SQLKV) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.get, s.namespace, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("query session key: %w", err)
	}
	return value, nil
}

func (s *SQLKV) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, s.namespace, key, value, s.nowFunc().UTC()); err != nil {
		return fmt.Errorf("upsert session key: %w", err)
	}
	return nil
}

func (s *SQLKV) Delete(ctx context.Context, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, s.dialect.del, s.namespace, k); err != nil {
			return fmt.Errorf("delete session key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	return nil
}
