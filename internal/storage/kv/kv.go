package kv

import (
	"context"
	"sync"
	"time"

	xerrors "OpenACP-Chain/internal/errors"
)

// ErrNotFound 表示键不存在或已过期。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "key not found")

// ErrCASMismatch 表示 CompareAndSwap 的期望值与当前值不一致。
var ErrCASMismatch = xerrors.New(xerrors.CodeConflict, "compare-and-swap mismatch")

// Store 抽象了带 TTL 的键值存储。任务记录的状态迁移通过
// CompareAndSwap 完成，即使当前流程是单写者，迁移也保持原子。
type Store interface {
	// Get 返回键对应的值；不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 写入键值；ttl 为 0 表示不过期。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX 仅在键不存在时写入，返回是否写入成功。
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap 在当前值等于 expect 时替换为 value 并保留剩余 TTL。
	CompareAndSwap(ctx context.Context, key string, expect, value []byte) error
	// Delete 删除键；键不存在不视为错误。
	Delete(ctx context.Context, key string) error
	// Close 释放底层连接。
	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore 以内存方式实现 Store，主要用于测试与开发环境。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set 实现 Store 接口。
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.newEntry(value, ttl)
	return nil
}

// SetNX 实现 Store 接口。
func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok && !entry.expired(m.now()) {
		return false, nil
	}
	m.entries[key] = m.newEntry(value, ttl)
	return true, nil
}

// CompareAndSwap 实现 Store 接口。
func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, expect, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) {
		delete(m.entries, key)
		return ErrNotFound
	}
	if string(entry.value) != string(expect) {
		return ErrCASMismatch
	}
	entry.value = append([]byte(nil), value...)
	m.entries[key] = entry
	return nil
}

// Delete 实现 Store 接口。
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close 对内存实现无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) newEntry(value []byte, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	return entry
}

var _ Store = (*MemoryStore)(nil)
