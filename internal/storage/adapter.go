// Package storage provides the key/value persistence layer beneath the cache
// facade. Two logical stores exist (payload records and metadata records); an
// Adapter exposes them uniformly whether the backing engine is the durable
// badger database or the small in-memory fallback used when badger cannot be
// opened. Writes to a single key are atomic; nothing spans stores.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Store 是逻辑命名空间。
type Store string

const (
	// StoreSections 保存 payload 记录（整段或分块）。
	StoreSections Store = "sections"
	// StoreMetadata 保存每个 section 的元数据记录。
	StoreMetadata Store = "metadata"
)

// Stores 返回全部已知的命名空间，schema 初始化时逐个登记。
func Stores() []Store {
	return []Store{StoreSections, StoreMetadata}
}

func (s Store) valid() bool {
	return s == StoreSections || s == StoreMetadata
}

var (
	// ErrNotFound 表示 key 不存在。
	ErrNotFound = errors.New("storage: key not found")
	// ErrQuotaUnsupported 表示后端无法报告容量，配额相关逻辑应降级为 no-op。
	ErrQuotaUnsupported = errors.New("storage: quota introspection unsupported")
	// ErrClosed 表示 adapter 尚未打开或已关闭。
	ErrClosed = errors.New("storage: adapter closed")
)

// Quota 是按需计算的容量快照，从不缓存。
type Quota struct {
	UsedBytes      int64 `json:"usedBytes" yaml:"usedBytes"`
	TotalBytes     int64 `json:"totalBytes" yaml:"totalBytes"`
	AvailableBytes int64 `json:"availableBytes" yaml:"availableBytes"`
}

// UsageRatio 返回已用比例，TotalBytes 为 0 时返回 0。
func (q Quota) UsageRatio() float64 {
	if q.TotalBytes <= 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.TotalBytes)
}

func newQuota(used, total int64) Quota {
	available := total - used
	if available < 0 {
		available = 0
	}
	return Quota{UsedBytes: used, TotalBytes: total, AvailableBytes: available}
}

// Capabilities 描述当前生效的后端，调用方只能通过它得知是否处于降级模式。
type Capabilities struct {
	Backend string `json:"backend"`
	Durable bool   `json:"durable"`
	// MaxValueBytes 为 0 表示不限制单条记录大小。
	MaxValueBytes int64 `json:"maxValueBytes"`
}

// Adapter 是两种后端共同实现的接口。
type Adapter interface {
	Open(ctx context.Context) error
	Put(ctx context.Context, store Store, key string, value []byte) error
	Get(ctx context.Context, store Store, key string) ([]byte, error)
	Delete(ctx context.Context, store Store, key string) error
	Clear(ctx context.Context, store Store) error
	Keys(ctx context.Context, store Store) ([]string, error)
	Count(ctx context.Context, store Store) (int, error)
	Quota(ctx context.Context) (Quota, error)
	Capabilities() Capabilities
	Close() error
}

func checkStore(store Store) error {
	if !store.valid() {
		return fmt.Errorf("storage: unknown store %q", store)
	}
	return nil
}
