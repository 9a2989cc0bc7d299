package storage

import (
	"context"
	"sync"
)

// MemoryStore 内存存储，用于测试和无持久化运行
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	writes  int
	erases  int
	commits int

	// FailSet 返回非 nil 时 Set 失败，用于模拟 flash 写入错误
	FailSet func(key string) error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSet != nil {
		if err := s.FailSet(key); err != nil {
			return err
		}
	}
	s.data[key] = append([]byte(nil), value...)
	s.writes++
	return nil
}

func (s *MemoryStore) Erase(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return ErrNotFound
	}
	delete(s.data, key)
	s.erases++
	return nil
}

func (s *MemoryStore) EraseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Writes 成功写入次数
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Erases 成功删除次数
func (s *MemoryStore) Erases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erases
}

// Commits 提交次数
func (s *MemoryStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Keys 当前所有键
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
