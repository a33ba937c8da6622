package engine

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/any-hub/catalog-cache/internal/cache"
	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/download"
	"github.com/any-hub/catalog-cache/internal/events"
	"github.com/any-hub/catalog-cache/internal/priority"
	"github.com/any-hub/catalog-cache/internal/stats"
	"github.com/any-hub/catalog-cache/internal/storage"
)

// Save 序列化 value 并写入 section；ttl <= 0 时使用该 section 配置的 TTL。
func (e *Engine) Save(ctx context.Context, section string, value any, ttl time.Duration) (cache.Metadata, error) {
	if err := e.ready(); err != nil {
		return cache.Metadata{}, err
	}
	if ttl <= 0 {
		ttl = e.sectionTTL(section)
	}
	return e.cache.Save(ctx, section, value, ttl)
}

// SaveRaw 写入已经序列化好的 JSON。
func (e *Engine) SaveRaw(ctx context.Context, section string, raw []byte, ttl time.Duration) (cache.Metadata, error) {
	if err := e.ready(); err != nil {
		return cache.Metadata{}, err
	}
	if ttl <= 0 {
		ttl = e.sectionTTL(section)
	}
	return e.cache.SaveRaw(ctx, section, raw, ttl)
}

// Load 返回 section 的 JSON；缺失、过期或损坏时返回 false，从不返回错误。
func (e *Engine) Load(ctx context.Context, section string) (json.RawMessage, bool) {
	if e.ready() != nil {
		return nil, false
	}
	return e.cache.Load(ctx, section)
}

// LoadInto 将 section 解码到 dst。
func (e *Engine) LoadInto(ctx context.Context, section string, dst any) bool {
	if e.ready() != nil {
		return false
	}
	return e.cache.LoadInto(ctx, section, dst)
}

func (e *Engine) Exists(ctx context.Context, section string) bool {
	if e.ready() != nil {
		return false
	}
	return e.cache.Exists(ctx, section)
}

func (e *Engine) IsExpired(ctx context.Context, section string) bool {
	if e.ready() != nil {
		return true
	}
	return e.cache.IsExpired(ctx, section)
}

// Clear 删除 section 的数据与元数据，同时丢弃其同步版本记录。
func (e *Engine) Clear(ctx context.Context, section string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.cache.Clear(ctx, section); err != nil {
		return err
	}
	e.syncer.Forget(section)
	return nil
}

// ClearAll 清空全部 section。
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	sections, _ := e.cache.Sections(ctx)
	if err := e.cache.ClearAll(ctx); err != nil {
		return err
	}
	for _, s := range sections {
		e.syncer.Forget(s)
	}
	return nil
}

// Sections 返回未过期的 section 名称。
func (e *Engine) Sections(ctx context.Context) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.cache.Sections(ctx)
}

func (e *Engine) Metadata(ctx context.Context, section string) (cache.Metadata, bool, error) {
	if err := e.ready(); err != nil {
		return cache.Metadata{}, false, err
	}
	return e.cache.Metadata(ctx, section)
}

func (e *Engine) AllMetadata(ctx context.Context) ([]cache.Metadata, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.cache.AllMetadata(ctx)
}

// Stats 返回统计快照。
func (e *Engine) Stats() stats.Snapshot {
	return e.tracker.Snapshot()
}

// Report 返回可读的统计摘要。
func (e *Engine) Report() string {
	return e.tracker.Report()
}

// ResetStats 清零计数器，保留容量统计。
func (e *Engine) ResetStats() {
	e.tracker.Reset()
}

func (e *Engine) Quota(ctx context.Context) (storage.Quota, error) {
	if err := e.ready(); err != nil {
		return storage.Quota{}, err
	}
	return e.cache.Quota(ctx)
}

// Capabilities 返回当前存储后端的能力描述。
func (e *Engine) Capabilities() storage.Capabilities {
	if e.ready() != nil {
		return storage.Capabilities{}
	}
	return e.cache.Capabilities()
}

// CleanupLRU 按最近访问时间淘汰 section，直到占用不超过 targetBytes。
func (e *Engine) CleanupLRU(ctx context.Context, targetBytes int64) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.cache.CleanupLRU(ctx, targetBytes)
}

func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.cache.CleanupExpired(ctx)
}

// DownloadSection 将 section 加入下载队列；url 为空时使用配置中的 URL。
func (e *Engine) DownloadSection(section, url string, p download.Priority) (download.QueueItem, error) {
	if err := e.ready(); err != nil {
		return download.QueueItem{}, err
	}
	if url == "" {
		if s, ok := e.sections[section]; ok {
			url = s.URL
		}
	}
	item, err := e.downloads.Enqueue(section, url, p)
	if err != nil && !errors.Is(err, download.ErrClosed) {
		e.recordError(err)
	}
	return item, err
}

// PrioritizeSection 将带宽让给 section，正在下载的其它任务会被中止并重新排队。
func (e *Engine) PrioritizeSection(section string) bool {
	if e.ready() != nil {
		return false
	}
	return e.priority.PrioritizeSection(section)
}

func (e *Engine) CancelDownload(section string) bool {
	if e.ready() != nil {
		return false
	}
	return e.downloads.Cancel(section)
}

func (e *Engine) CancelAll() int {
	if e.ready() != nil {
		return 0
	}
	return e.downloads.CancelAll()
}

// Queue 返回下载队列快照。
func (e *Engine) Queue() []download.QueueItem {
	if e.ready() != nil {
		return nil
	}
	return e.downloads.Queue()
}

func (e *Engine) PriorityStatus() priority.Status {
	if e.ready() != nil {
		return priority.Status{}
	}
	return e.priority.Status()
}

// CheckForUpdates 探测 section 的版本；versionURL 为空时使用配置中的 VersionURL。
func (e *Engine) CheckForUpdates(ctx context.Context, section, versionURL string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	if versionURL == "" {
		if s, ok := e.sections[section]; ok {
			versionURL = s.VersionURL
		}
	}
	if versionURL == "" {
		return false, cacheerr.InvalidSection(section, "no version url configured")
	}
	return e.syncer.CheckForUpdates(ctx, section, versionURL)
}

// UpdateSection 立即重新拉取 section；url 为空时使用配置中的 URL。
func (e *Engine) UpdateSection(ctx context.Context, section, url string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if url == "" {
		if s, ok := e.sections[section]; ok {
			url = s.URL
		}
	}
	if url == "" {
		return cacheerr.InvalidSection(section, "no url configured")
	}
	return e.syncer.UpdateSection(ctx, section, url)
}

// LoadOrDownload 优先读取缓存，未命中时排队下载并等待完成。timeout > 0 时超时返回 Timeout 错误，
// 下载本身不会因此取消。
func (e *Engine) LoadOrDownload(ctx context.Context, section, url string, p download.Priority, timeout time.Duration) (json.RawMessage, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if data, ok := e.cache.Load(ctx, section); ok {
		return data, nil
	}
	if _, err := e.DownloadSection(section, url, p); err != nil {
		return nil, err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	item, err := e.downloads.Wait(waitCtx, section)
	switch {
	case errors.Is(err, download.ErrNotQueued):
		// 在 Wait 之前已经完成并出队
	case err != nil:
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, e.recordError(cacheerr.Newf(cacheerr.CodeTimeout, "load_or_download", "section not available within %s", timeout).
				WithSection(section))
		}
		return nil, err
	case item.Status == download.StatusFailed:
		return nil, cacheerr.Newf(cacheerr.CodeDownloadFailed, "load_or_download", "%s", item.LastError).
			WithSection(section).
			WithDetail("retries", item.Retries)
	case item.Status == download.StatusCancelled:
		return nil, cacheerr.Newf(cacheerr.CodeDownloadFailed, "load_or_download", "download cancelled").
			WithSection(section)
	}

	data, ok := e.cache.Load(ctx, section)
	if !ok {
		return nil, cacheerr.Newf(cacheerr.CodeDownloadFailed, "load_or_download", "downloaded data unavailable").
			WithSection(section)
	}
	return data, nil
}

// On 订阅事件，返回可用于 Off 的订阅 id。
func (e *Engine) On(name events.Name, listener events.Listener) string {
	return e.bus.On(name, listener)
}

func (e *Engine) Once(name events.Name, listener events.Listener) string {
	return e.bus.Once(name, listener)
}

func (e *Engine) Off(id string) bool {
	return e.bus.Off(id)
}
