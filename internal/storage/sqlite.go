package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	schema: `CREATE TABLE IF NOT EXISTS node_settings (
		node       TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (node, key)
	)`,
	get: `SELECT value FROM node_settings WHERE node = ? AND key = ?`,
	set: `INSERT INTO node_settings (node, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (node, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
	erase:    `DELETE FROM node_settings WHERE node = ? AND key = ?`,
	eraseAll: `DELETE FROM node_settings WHERE node = ?`,
}

// SQLiteStore 本地 sqlite 文件，作为主机上的 flash
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore 打开 sqlite 存储，dsn 为文件路径或 ":memory:"
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "node.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// 单连接，保证 :memory: 数据库和事务在同一连接上
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if dsn != ":memory:" {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	s := &SQLiteStore{sqlStore{db: db, q: sqliteDialect}}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
