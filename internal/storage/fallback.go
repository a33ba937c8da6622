package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

// MemoryAdapter 是容量受限的易失 key→string 存储，仅在 durable 后端不可用时启用。
// 不建索引，容量按 key 与 value 的字节数累计。
type MemoryAdapter struct {
	capacity int64

	mu     sync.RWMutex
	used   int64
	data   map[Store]map[string]string
	closed bool
}

// NewMemory 创建容量为 capacity 字节的 fallback adapter。
func NewMemory(capacity int64) *MemoryAdapter {
	return &MemoryAdapter{capacity: capacity}
}

func (m *MemoryAdapter) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.capacity <= 0 {
		return cacheerr.Newf(cacheerr.CodeInitializationFailed, "open", "fallback capacity must be positive, got %d", m.capacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[Store]map[string]string, len(Stores()))
		for _, store := range Stores() {
			m.data[store] = make(map[string]string)
		}
	}
	m.closed = false
	return nil
}

func (m *MemoryAdapter) bucket(store Store) (map[string]string, error) {
	if err := checkStore(store); err != nil {
		return nil, err
	}
	if m.closed || m.data == nil {
		return nil, ErrClosed
	}
	return m.data[store], nil
}

func entrySize(key string, value string) int64 {
	return int64(len(key) + len(value))
}

func (m *MemoryAdapter) Put(ctx context.Context, store Store, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, err := m.bucket(store)
	if err != nil {
		return err
	}
	next := m.used + int64(len(key)+len(value))
	if old, ok := bucket[key]; ok {
		next -= entrySize(key, old)
	}
	if next > m.capacity {
		return cacheerr.Newf(cacheerr.CodeQuotaExceeded, "put", "fallback store full: need %d bytes, capacity %d", next, m.capacity).
			WithDetail("store", string(store)).
			WithDetail("key", key)
	}
	bucket[key] = string(value)
	m.used = next
	return nil
}

func (m *MemoryAdapter) Get(ctx context.Context, store Store, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, err := m.bucket(store)
	if err != nil {
		return nil, err
	}
	value, ok := bucket[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(value), nil
}

func (m *MemoryAdapter) Delete(ctx context.Context, store Store, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, err := m.bucket(store)
	if err != nil {
		return err
	}
	if old, ok := bucket[key]; ok {
		m.used -= entrySize(key, old)
		delete(bucket, key)
	}
	return nil
}

func (m *MemoryAdapter) Clear(ctx context.Context, store Store) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, err := m.bucket(store)
	if err != nil {
		return err
	}
	for key, value := range bucket {
		m.used -= entrySize(key, value)
	}
	m.data[store] = make(map[string]string)
	return nil
}

func (m *MemoryAdapter) Keys(ctx context.Context, store Store) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, err := m.bucket(store)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryAdapter) Count(ctx context.Context, store Store) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, err := m.bucket(store)
	if err != nil {
		return 0, err
	}
	return len(bucket), nil
}

func (m *MemoryAdapter) Quota(ctx context.Context) (Quota, error) {
	if err := ctx.Err(); err != nil {
		return Quota{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newQuota(m.used, m.capacity), nil
}

func (m *MemoryAdapter) Capabilities() Capabilities {
	return Capabilities{Backend: "memory", Durable: false, MaxValueBytes: m.capacity}
}

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
