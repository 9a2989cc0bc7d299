package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	schema: `CREATE TABLE IF NOT EXISTS node_settings (
		node       TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (node, key)
	)`,
	get: `SELECT value FROM node_settings WHERE node = $1 AND key = $2`,
	set: `INSERT INTO node_settings (node, key, value, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (node, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
	erase:    `DELETE FROM node_settings WHERE node = $1 AND key = $2`,
	eraseAll: `DELETE FROM node_settings WHERE node = $1`,
}

// PostgresStore 共享 PostgreSQL 数据库中的节点设置，多个模拟节点按 node 区分
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn, node string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{sqlStore{db: db, node: node, q: postgresDialect}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
