package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/chunk"
	"github.com/any-hub/catalog-cache/internal/compress"
	"github.com/any-hub/catalog-cache/internal/events"
	"github.com/any-hub/catalog-cache/internal/logging"
	"github.com/any-hub/catalog-cache/internal/stats"
	"github.com/any-hub/catalog-cache/internal/storage"
)

// DefaultTTL 在调用方未提供 TTL 且 Options 未覆盖时使用。
const DefaultTTL = 24 * time.Hour

// Options 描述 Cache 的依赖与策略。
type Options struct {
	Adapter    storage.Adapter
	Compressor *compress.Compressor
	Splitter   chunk.Splitter
	Bus        *events.Bus
	Tracker    *stats.Tracker
	Logger     *logrus.Logger

	DefaultTTL time.Duration
	// HighWater/LowWater 为配额使用比例；写入后超过 HighWater 时淘汰至 LowWater。
	HighWater float64
	LowWater  float64
	// MemoryEntries 为热数据内存层容量，0 表示关闭。
	MemoryEntries int

	// OnError 是错误记录的统一出口；为空时直接写入 Tracker 并发出 error 事件。
	OnError func(error)
	Now     func() time.Time
}

type hotEntry struct {
	timestamp int64
	data      []byte
}

// Cache 是 section 级别的读写门面，独占 metadata 与 payload 记录的写权限。
type Cache struct {
	adapter    storage.Adapter
	compressor *compress.Compressor
	splitter   chunk.Splitter
	bus        *events.Bus
	tracker    *stats.Tracker
	log        *logrus.Entry
	onError    func(error)
	now        func() time.Time

	defaultTTL time.Duration
	highWater  float64
	lowWater   float64

	hot *lru.Cache

	// global 由 ClearAll 独占，其余操作共享。
	global sync.RWMutex
	locks  *sectionLocks
}

// New 构建 Cache。Adapter 与 Compressor 必须已初始化。
func New(opts Options) (*Cache, error) {
	if opts.Adapter == nil {
		return nil, cacheerr.Newf(cacheerr.CodeInitializationFailed, "cache", "storage adapter is required")
	}
	if opts.Compressor == nil {
		return nil, cacheerr.Newf(cacheerr.CodeInitializationFailed, "cache", "compressor is required")
	}
	if opts.Splitter.Size <= 0 {
		opts.Splitter = chunk.New(0)
	}
	if opts.Tracker == nil {
		opts.Tracker = stats.NewTracker(0)
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.HighWater <= 0 || opts.HighWater > 1 {
		opts.HighWater = 0.9
	}
	if opts.LowWater <= 0 || opts.LowWater >= opts.HighWater {
		opts.LowWater = opts.HighWater * 0.8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		adapter:    opts.Adapter,
		compressor: opts.Compressor,
		splitter:   opts.Splitter,
		bus:        opts.Bus,
		tracker:    opts.Tracker,
		log:        logging.Component(opts.Logger, "cache"),
		now:        opts.Now,
		defaultTTL: opts.DefaultTTL,
		highWater:  opts.HighWater,
		lowWater:   opts.LowWater,
		locks:      newSectionLocks(),
	}
	c.onError = opts.OnError
	if c.onError == nil {
		c.onError = c.defaultOnError
	}
	if opts.MemoryEntries > 0 {
		hot, err := lru.New(opts.MemoryEntries)
		if err != nil {
			return nil, cacheerr.New(cacheerr.CodeInitializationFailed, "cache", err)
		}
		c.hot = hot
	}
	return c, nil
}

func (c *Cache) defaultOnError(err error) {
	code := c.tracker.RecordError(err)
	c.log.WithFields(logrus.Fields{"action": "error", "code": string(code)}).Warn(err.Error())
	section := ""
	var coded *cacheerr.Error
	if errors.As(err, &coded) {
		section = coded.Section
	}
	c.bus.EmitSection(events.Error, section, map[string]any{"code": string(code), "message": err.Error()})
}

// report 将错误送入统一出口并原样返回，便于 return c.report(err)。
func (c *Cache) report(err error) error {
	if err != nil {
		c.onError(err)
	}
	return err
}

// Capabilities 透传存储后端能力。
func (c *Cache) Capabilities() storage.Capabilities {
	return c.adapter.Capabilities()
}

// Save 序列化 value 后写入 section，ttl <= 0 使用默认 TTL。
func (c *Cache) Save(ctx context.Context, section string, value any, ttl time.Duration) (Metadata, error) {
	if err := ValidateSection(section); err != nil {
		return Metadata{}, c.report(err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Metadata{}, c.report(cacheerr.New(cacheerr.CodeUnknown, "serialize", err).WithSection(section))
	}
	return c.SaveRaw(ctx, section, raw, ttl)
}

// SaveRaw 写入已序列化的 JSON。写入顺序：payload，清理旧分块，最后 metadata，
// 因此读取方看到 metadata 时 payload 必然已经就绪。
func (c *Cache) SaveRaw(ctx context.Context, section string, raw []byte, ttl time.Duration) (Metadata, error) {
	defer c.tracker.Time("save")()
	if err := ValidateSection(section); err != nil {
		return Metadata{}, c.report(err)
	}
	if !json.Valid(raw) {
		return Metadata{}, c.report(cacheerr.Corrupted(section, "payload is not valid JSON").WithDetail("sizeBytes", len(raw)))
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.global.RLock()
	meta, err := c.saveLocked(ctx, section, raw, ttl)
	c.global.RUnlock()
	if err != nil {
		return Metadata{}, c.report(err)
	}

	c.log.WithFields(logging.SectionFields("save", section)).WithFields(logrus.Fields{
		"size_bytes":   meta.SizeBytes,
		"stored_bytes": meta.StoredBytes,
		"compressed":   meta.Compressed,
		"total_chunks": meta.TotalChunks,
	}).Debug("section saved")
	c.bus.EmitSection(events.Save, section, map[string]any{
		"sizeBytes":   meta.SizeBytes,
		"storedBytes": meta.StoredBytes,
		"compressed":  meta.Compressed,
		"chunked":     meta.Chunked,
		"totalChunks": meta.TotalChunks,
		"ttlSeconds":  meta.TTLSeconds,
	})

	c.enforceQuota(ctx, section)
	return meta, nil
}

func (c *Cache) saveLocked(ctx context.Context, section string, raw []byte, ttl time.Duration) (Metadata, error) {
	unlock := c.locks.lock(section)
	defer unlock()

	records, meta, err := c.encodePayload(section, raw)
	if err != nil {
		return Metadata{}, err
	}
	if meta.Chunked && !c.adapter.Capabilities().Durable {
		return Metadata{}, cacheerr.Newf(cacheerr.CodeQuotaExceeded, "save", "payload of %d bytes needs %d chunks; chunked payloads are not stored on volatile storage", meta.SizeBytes, meta.TotalChunks).WithSection(section)
	}

	prev, hadPrev, err := c.readMetadata(ctx, section)
	if err != nil && !errors.Is(err, cacheerr.ErrCorruptedData) {
		return Metadata{}, err
	}
	if err := c.ensureRoom(ctx, section, meta.StoredBytes-prev.StoredBytes); err != nil {
		return Metadata{}, err
	}

	for _, rec := range records {
		if err := c.adapter.Put(ctx, storage.StoreSections, rec.key, rec.data); err != nil {
			return Metadata{}, cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "save", section)
		}
	}
	if hadPrev {
		if err := c.deleteKeys(ctx, staleKeys(prev, meta)); err != nil {
			c.report(cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "save", section))
		}
	}

	now := c.now().UnixMilli()
	meta.Section = section
	meta.Timestamp = now
	meta.LastAccessed = now
	meta.TTLSeconds = ttlSeconds(ttl)
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return Metadata{}, cacheerr.New(cacheerr.CodeCorruptedData, "save", err).WithSection(section)
	}
	if err := c.adapter.Put(ctx, storage.StoreMetadata, section, encoded); err != nil {
		return Metadata{}, cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "save", section)
	}

	if hadPrev {
		c.tracker.AdjustTotals(meta.StoredBytes-prev.StoredBytes, 0)
	} else {
		c.tracker.AdjustTotals(meta.StoredBytes, 1)
	}
	if c.hot != nil {
		c.hot.Add(section, hotEntry{timestamp: meta.Timestamp, data: append([]byte(nil), raw...)})
	}
	return meta, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// staleKeys 计算新版本写入后不再引用的旧 payload key。
func staleKeys(prev, next Metadata) []string {
	keep := make(map[string]struct{}, next.TotalChunks+1)
	for _, key := range next.payloadKeys() {
		keep[key] = struct{}{}
	}
	var stale []string
	for _, key := range prev.payloadKeys() {
		if _, ok := keep[key]; !ok {
			stale = append(stale, key)
		}
	}
	return stale
}

// Load 读取 section。未命中、过期或任何读取错误都返回 (nil, false)，错误只会被记录。
func (c *Cache) Load(ctx context.Context, section string) (json.RawMessage, bool) {
	defer c.tracker.Time("load")()
	if err := ValidateSection(section); err != nil {
		c.report(err)
		c.tracker.RecordMiss()
		return nil, false
	}

	c.global.RLock()
	data, err := c.loadLocked(ctx, section)
	c.global.RUnlock()
	if err != nil {
		switch {
		case errors.Is(err, cacheerr.ErrExpiredData):
			c.bus.EmitSection(events.Expired, section, nil)
		case errors.Is(err, storage.ErrNotFound):
		default:
			c.report(err)
		}
		c.tracker.RecordMiss()
		return nil, false
	}
	c.tracker.RecordHit()
	c.bus.EmitSection(events.Load, section, map[string]any{"sizeBytes": len(data)})
	return data, true
}

func (c *Cache) loadLocked(ctx context.Context, section string) ([]byte, error) {
	unlock := c.locks.lock(section)
	defer unlock()

	meta, ok, err := c.readMetadata(ctx, section)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	if meta.ExpiredAt(c.now()) {
		if err := c.clearLocked(ctx, meta); err != nil {
			c.report(err)
		}
		return nil, cacheerr.ErrExpiredData
	}

	var data []byte
	if c.hot != nil {
		if v, found := c.hot.Get(section); found {
			if entry := v.(hotEntry); entry.timestamp == meta.Timestamp {
				data = append([]byte(nil), entry.data...)
			}
		}
	}
	if data == nil {
		data, err = c.readPayload(ctx, meta)
		if err != nil {
			if errors.Is(err, cacheerr.ErrCorruptedData) {
				// 损坏条目无法恢复，移除以免重复报错
				if clearErr := c.clearLocked(ctx, meta); clearErr != nil {
					c.report(clearErr)
				}
			}
			return nil, err
		}
		if c.hot != nil {
			c.hot.Add(section, hotEntry{timestamp: meta.Timestamp, data: append([]byte(nil), data...)})
		}
	}

	meta.LastAccessed = c.now().UnixMilli()
	meta.AccessCount++
	if encoded, err := encodeMetadata(meta); err == nil {
		if err := c.adapter.Put(ctx, storage.StoreMetadata, section, encoded); err != nil {
			c.report(cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "touch", section))
		}
	}
	return data, nil
}

// LoadInto 将 section 解码到 dst，语义与 Load 相同。
func (c *Cache) LoadInto(ctx context.Context, section string, dst any) bool {
	raw, ok := c.Load(ctx, section)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.report(cacheerr.New(cacheerr.CodeCorruptedData, "decode", err).WithSection(section))
		return false
	}
	return true
}

// Exists 当 section 存在且未过期时返回 true。
func (c *Cache) Exists(ctx context.Context, section string) bool {
	meta, ok, err := c.Metadata(ctx, section)
	return err == nil && ok && !meta.ExpiredAt(c.now())
}

// IsExpired 对缺失 metadata 的 section 返回 true。
func (c *Cache) IsExpired(ctx context.Context, section string) bool {
	meta, ok, err := c.Metadata(ctx, section)
	if err != nil || !ok {
		return true
	}
	return meta.ExpiredAt(c.now())
}

// Metadata 返回 section 的元数据快照，不更新访问统计。
func (c *Cache) Metadata(ctx context.Context, section string) (Metadata, bool, error) {
	if err := ValidateSection(section); err != nil {
		return Metadata{}, false, err
	}
	meta, ok, err := c.readMetadata(ctx, section)
	if err != nil {
		return Metadata{}, false, c.report(err)
	}
	return meta, ok, nil
}

func (c *Cache) readMetadata(ctx context.Context, section string) (Metadata, bool, error) {
	raw, err := c.adapter.Get(ctx, storage.StoreMetadata, section)
	if errors.Is(err, storage.ErrNotFound) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "metadata", section)
	}
	meta, err := decodeMetadata(section, raw)
	if err != nil {
		return Metadata{}, false, err
	}
	return meta, true, nil
}

// AllMetadata 返回全部可解析的元数据记录；无法解析的记录会被记录为错误并跳过。
func (c *Cache) AllMetadata(ctx context.Context) ([]Metadata, error) {
	keys, err := c.adapter.Keys(ctx, storage.StoreMetadata)
	if err != nil {
		return nil, c.report(cacheerr.Wrap(err, cacheerr.CodeStorageUnavailable, "metadata"))
	}
	metas := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		meta, ok, err := c.readMetadata(ctx, key)
		if err != nil {
			c.report(err)
			continue
		}
		if ok {
			metas = append(metas, meta)
		}
	}
	return metas, nil
}

// Sections 返回未过期的 section 名称，按字典序排列。
func (c *Cache) Sections(ctx context.Context) ([]string, error) {
	metas, err := c.AllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	names := make([]string, 0, len(metas))
	for _, meta := range metas {
		if !meta.ExpiredAt(now) {
			names = append(names, meta.Section)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Clear 删除 section 的全部 payload 与 metadata；不存在时返回 nil。
func (c *Cache) Clear(ctx context.Context, section string) error {
	defer c.tracker.Time("clear")()
	if err := ValidateSection(section); err != nil {
		return c.report(err)
	}

	c.global.RLock()
	meta, cleared, err := c.clearSection(ctx, section)
	c.global.RUnlock()
	if err != nil {
		return c.report(err)
	}
	if cleared {
		c.bus.EmitSection(events.Clear, section, map[string]any{"storedBytes": meta.StoredBytes})
	}
	return nil
}

func (c *Cache) clearSection(ctx context.Context, section string) (Metadata, bool, error) {
	unlock := c.locks.lock(section)
	defer unlock()

	meta, ok, err := c.readMetadata(ctx, section)
	switch {
	case err != nil && !errors.Is(err, cacheerr.ErrCorruptedData):
		return Metadata{}, false, err
	case err == nil && !ok:
		// 没有 metadata 时仍尝试删除可能残留的整段 payload
		_ = c.adapter.Delete(ctx, storage.StoreSections, section)
		return Metadata{}, false, nil
	case err != nil:
		meta = Metadata{Section: section}
	}
	if err := c.clearLocked(ctx, meta); err != nil {
		return Metadata{}, false, err
	}
	return meta, true, nil
}

// clearLocked 调用方需持有 section 锁。先删 metadata，读取方随即视其为不存在。
func (c *Cache) clearLocked(ctx context.Context, meta Metadata) error {
	if err := c.adapter.Delete(ctx, storage.StoreMetadata, meta.Section); err != nil {
		return cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "clear", meta.Section)
	}
	if c.hot != nil {
		c.hot.Remove(meta.Section)
	}
	if meta.Timestamp > 0 {
		c.tracker.AdjustTotals(-meta.StoredBytes, -1)
	}
	if err := c.deleteKeys(ctx, meta.payloadKeys()); err != nil {
		return cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "clear", meta.Section)
	}
	return nil
}

// ClearAll 清空两个命名空间。
func (c *Cache) ClearAll(ctx context.Context) error {
	defer c.tracker.Time("clear_all")()
	c.global.Lock()
	defer c.global.Unlock()

	count, _ := c.adapter.Count(ctx, storage.StoreMetadata)
	for _, store := range []storage.Store{storage.StoreSections, storage.StoreMetadata} {
		if err := c.adapter.Clear(ctx, store); err != nil {
			return c.report(cacheerr.Wrap(err, cacheerr.CodeStorageUnavailable, "clear_all"))
		}
	}
	if c.hot != nil {
		c.hot.Purge()
	}
	c.tracker.SetTotals(0, 0)
	c.log.WithFields(logrus.Fields{"action": "clear_all", "sections": count}).Info("cache cleared")
	c.bus.EmitSection(events.ClearAll, "", map[string]any{"sections": count})
	return nil
}

// RefreshStats 根据存储中的 metadata 重新计算总大小与 section 数量。
func (c *Cache) RefreshStats(ctx context.Context) error {
	metas, err := c.AllMetadata(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, meta := range metas {
		total += meta.StoredBytes
	}
	c.tracker.SetTotals(total, len(metas))
	return nil
}

// Quota 查询后端容量；不支持时返回 storage.ErrQuotaUnsupported。
func (c *Cache) Quota(ctx context.Context) (storage.Quota, error) {
	quota, err := c.adapter.Quota(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaUnsupported) {
			return storage.Quota{}, err
		}
		return storage.Quota{}, c.report(cacheerr.Wrap(err, cacheerr.CodeStorageUnavailable, "quota"))
	}
	return quota, nil
}
