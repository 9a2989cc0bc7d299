package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
	ErrClosed      = errors.New("store closed")
)

// Store 持久化键值存储 (设备上的 flash NVS)
//
// 每个设置的每个数组槽位对应一个键。写入在 Commit 之前可能只存在于当前事务中。
type Store interface {
	// Get 返回键值，键不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Erase 删除键，键不存在时返回 ErrNotFound
	Erase(ctx context.Context, key string) error
	EraseAll(ctx context.Context) error
	Commit(ctx context.Context) error
	Close() error
}

// Open 按驱动名打开存储，node 为节点 ID，用于共享数据库时区分节点
func Open(driver, dsn, node string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn, node)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}
