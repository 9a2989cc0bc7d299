package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// dialect 不同数据库的 SQL 语句
type dialect struct {
	schema   string
	get      string
	set      string
	erase    string
	eraseAll string
}

// sqlStore 基于 database/sql 的键值存储
//
// 写操作在第一次修改时开启事务，Commit 时提交，与 NVS 的提交语义一致。
type sqlStore struct {
	db   *sql.DB
	tx   *sql.Tx
	mu   sync.Mutex
	node string
	q    dialect
}

// getDB returns tx if in transaction, otherwise db
func (s *sqlStore) getDB() interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// begin 确保写事务已开启
func (s *sqlStore) begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	var value []byte
	err := s.getDB().QueryRowContext(ctx, s.q.get, s.node, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := s.tx.ExecContext(ctx, s.q.set, s.node, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) Erase(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	result, err := s.tx.ExecContext(ctx, s.q.erase, s.node, key)
	if err != nil {
		return fmt.Errorf("erase %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) EraseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx, s.q.eraseAll, s.node); err != nil {
		return fmt.Errorf("erase all: %w", err)
	}
	return nil
}

// Commit commits the pending transaction
func (s *sqlStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

// Close 提交未完成的写入并关闭连接
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	var err error
	if s.tx != nil {
		err = s.tx.Commit()
		s.tx = nil
	}
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	s.db = nil
	return err
}
