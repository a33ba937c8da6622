// Package download implements the background download queue: bounded
// concurrency, priority ordering (FIFO within a priority), capped exponential
// backoff between attempts, and cooperative cancellation. Every active
// transfer runs in its own goroutine under its own cancellable context, and a
// transfer only reaches the cache if it is still the registered one when it
// finishes, so a cancelled transfer never races a newer one into storage.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/cache"
	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/events"
	"github.com/any-hub/catalog-cache/internal/logging"
	"github.com/any-hub/catalog-cache/internal/stats"
)

const (
	DefaultMaxConcurrent = 3
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 30 * time.Second
)

// ErrNotQueued 表示 section 不在队列中。
var ErrNotQueued = errors.New("download: section not queued")

// ErrClosed 表示 Manager 已关闭。
var ErrClosed = errors.New("download: manager closed")

// Sink 接收下载完成的数据，通常是 cache.Cache。
type Sink interface {
	SaveRaw(ctx context.Context, section string, raw []byte, ttl time.Duration) (cache.Metadata, error)
}

// Options 配置 Manager。
type Options struct {
	Fetcher Fetcher
	Sink    Sink
	Bus     *events.Bus
	Tracker *stats.Tracker
	Logger  *logrus.Logger

	MaxConcurrent int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// TTL 返回 section 写入缓存时使用的 TTL；为空或返回 <= 0 时使用缓存默认值。
	TTL func(section string) time.Duration

	// OnError 是错误记录的统一出口。
	OnError func(error)
	Now     func() time.Time
}

type entry struct {
	item   QueueItem
	seq    uint64
	cancel context.CancelFunc
	// token 每次启动或中止传输时递增，旧 goroutine 据此判断自己是否已失效。
	token      uint64
	committing bool
	lastPct    int
	done       chan struct{}
}

// Manager 独占下载队列。
type Manager struct {
	fetcher Fetcher
	sink    Sink
	bus     *events.Bus
	tracker *stats.Tracker
	log     *logrus.Entry
	ttl     func(string) time.Duration
	onError func(error)
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	maxConcurrent int
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	closed  bool
	pending []events.Event
}

// NewManager 创建 Manager；Fetcher 与 Sink 必填。
func NewManager(opts Options) (*Manager, error) {
	if opts.Fetcher == nil || opts.Sink == nil {
		return nil, cacheerr.Newf(cacheerr.CodeInitializationFailed, "download", "fetcher and sink are required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = DefaultMaxDelay
		if opts.MaxDelay < opts.BaseDelay {
			opts.MaxDelay = opts.BaseDelay
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		fetcher:       opts.Fetcher,
		sink:          opts.Sink,
		bus:           opts.Bus,
		tracker:       opts.Tracker,
		log:           logging.Component(opts.Logger, "download"),
		ttl:           opts.TTL,
		onError:       opts.OnError,
		now:           opts.Now,
		sleep:         sleepContext,
		maxConcurrent: opts.MaxConcurrent,
		maxRetries:    opts.MaxRetries,
		baseDelay:     opts.BaseDelay,
		maxDelay:      opts.MaxDelay,
		baseCtx:       ctx,
		baseCancel:    cancel,
		entries:       make(map[string]*entry),
	}
	if m.onError == nil {
		m.onError = func(err error) {
			if m.tracker != nil {
				m.tracker.RecordError(err)
			}
		}
	}
	return m, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// newBackOff 生成无抖动的指数退避：base, 2*base, 4*base ... 封顶 maxDelay。
func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = m.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// unlockAndFlush 释放锁后再分发事件，listener 可以安全地回调 Manager。
func (m *Manager) unlockAndFlush() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, evt := range pending {
		m.bus.Emit(evt)
	}
}

func (m *Manager) queueEvent(name events.Name, section string, data map[string]any) {
	m.pending = append(m.pending, events.Event{Name: name, Section: section, Time: m.now(), Data: data})
}

// Enqueue 加入下载任务。已在队列中的 section 只会被提升优先级；FAILED 任务会被重置。
// 返回的错误仅针对非法参数或已关闭的 Manager，下载失败通过事件与 QueueItem 状态报告。
func (m *Manager) Enqueue(section, rawURL string, priority Priority) (QueueItem, error) {
	if err := cache.ValidateSection(section); err != nil {
		return QueueItem{}, err
	}
	if err := validateURL(rawURL); err != nil {
		return QueueItem{}, cacheerr.New(cacheerr.CodeDownloadFailed, "enqueue", err).WithSection(section)
	}
	if priority < PriorityLow || priority > PriorityHigh {
		priority = PriorityMedium
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return QueueItem{}, ErrClosed
	}
	e, ok := m.entries[section]
	switch {
	case ok && !e.item.Status.Terminal():
		if priority > e.item.Priority {
			e.item.Priority = priority
		}
		if e.item.Status == StatusPending {
			e.item.URL = rawURL
		}
	case ok:
		// FAILED 任务重新入队
		m.seq++
		e.seq = m.seq
		e.item.Status = StatusPending
		e.item.Priority = priority
		e.item.URL = rawURL
		e.item.Retries = 0
		e.item.Progress = 0
		e.item.LastError = ""
		e.item.EnqueuedAt = m.now()
		e.item.StartedAt = time.Time{}
		e.item.CompletedAt = time.Time{}
		e.done = make(chan struct{})
		m.queueEvent(events.DownloadQueued, section, map[string]any{"priority": priority.String(), "url": rawURL})
	default:
		m.seq++
		e = &entry{
			seq:  m.seq,
			done: make(chan struct{}),
			item: QueueItem{
				ID:         uuid.NewString(),
				Section:    section,
				URL:        rawURL,
				Priority:   priority,
				Status:     StatusPending,
				EnqueuedAt: m.now(),
			},
		}
		m.entries[section] = e
		m.queueEvent(events.DownloadQueued, section, map[string]any{"priority": priority.String(), "url": rawURL})
	}
	m.advanceLocked()
	item := e.item
	m.unlockAndFlush()
	return item, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// sortedLocked 返回按优先级降序、同优先级按入队顺序排列的任务。
func (m *Manager) sortedLocked() []*entry {
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].item.Priority != list[j].item.Priority {
			return list[i].item.Priority > list[j].item.Priority
		}
		return list[i].seq < list[j].seq
	})
	return list
}

// advanceLocked 在并发上限内依次启动 PENDING 任务。
func (m *Manager) advanceLocked() {
	if m.closed {
		return
	}
	active := 0
	for _, e := range m.entries {
		if e.item.Status == StatusDownloading {
			active++
		}
	}
	for _, e := range m.sortedLocked() {
		if active >= m.maxConcurrent {
			return
		}
		if e.item.Status != StatusPending {
			continue
		}
		m.startLocked(e)
		active++
	}
}

func (m *Manager) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	e.cancel = cancel
	e.token++
	e.lastPct = -1
	e.item.Status = StatusDownloading
	e.item.Progress = 0
	e.item.StartedAt = m.now()
	m.queueEvent(events.DownloadStart, e.item.Section, map[string]any{
		"url":      e.item.URL,
		"priority": e.item.Priority.String(),
		"retries":  e.item.Retries,
	})

	m.wg.Add(1)
	go m.run(ctx, e, e.token, e.item.Section, e.item.URL)
}

// current 判断 goroutine 持有的 token 是否仍是该 section 的有效传输，调用方需持锁。
func (m *Manager) current(e *entry, token uint64) bool {
	return m.entries[e.item.Section] == e && e.token == token && e.item.Status == StatusDownloading
}

func (m *Manager) run(ctx context.Context, e *entry, token uint64, section, rawURL string) {
	defer m.wg.Done()
	started := m.now()
	b := m.newBackOff()
	// 被抢占后恢复的任务沿用已累计的退避进度
	for i := 1; i < m.attempt(e); i++ {
		b.NextBackOff()
	}

	for {
		attempt := m.attempt(e)
		m.log.WithFields(logging.DownloadFields(section, rawURL, attempt)).Debug("download attempt")

		data, err := m.fetcher.Fetch(ctx, rawURL, func(received, total int64) {
			m.progress(e, token, received, total)
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			m.commit(ctx, e, token, data, started)
			return
		}

		delay, retry := m.fail(e, token, err, b)
		if !retry {
			return
		}
		if err := m.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (m *Manager) attempt(e *entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.item.Retries + 1
}

func (m *Manager) progress(e *entry, token uint64, received, total int64) {
	m.mu.Lock()
	if !m.current(e, token) {
		m.mu.Unlock()
		return
	}
	e.item.Bytes = received
	if total > 0 {
		pct := int(received * 100 / total)
		if pct > 100 {
			pct = 100
		}
		e.item.Progress = pct
		if pct != e.lastPct {
			e.lastPct = pct
			m.queueEvent(events.DownloadProgress, e.item.Section, map[string]any{
				"received": received,
				"total":    total,
				"progress": pct,
			})
		}
	}
	m.unlockAndFlush()
}

// fail 记录一次失败；返回下一次重试前的等待时间，或在重试耗尽时将任务置为 FAILED。
func (m *Manager) fail(e *entry, token uint64, cause error, b *backoff.ExponentialBackOff) (time.Duration, bool) {
	m.mu.Lock()
	if !m.current(e, token) {
		m.mu.Unlock()
		return 0, false
	}
	section := e.item.Section
	e.item.Retries++
	e.item.LastError = cause.Error()

	if e.item.Retries >= m.maxRetries {
		m.finishLocked(e, StatusFailed)
		m.queueEvent(events.DownloadError, section, map[string]any{
			"retries": e.item.Retries,
			"error":   e.item.LastError,
			"url":     e.item.URL,
		})
		failure := cacheerr.New(cacheerr.CodeDownloadFailed, "download", cause).
			WithSection(section).
			WithDetail("retries", e.item.Retries).
			WithDetail("url", e.item.URL)
		m.log.WithFields(logging.DownloadFields(section, e.item.URL, e.item.Retries)).
			WithField("error", e.item.LastError).Error("download failed")
		m.advanceLocked()
		m.unlockAndFlush()
		m.onError(failure)
		return 0, false
	}

	delay := b.NextBackOff()
	m.queueEvent(events.DownloadRetry, section, map[string]any{
		"retries": e.item.Retries,
		"delayMs": delay.Milliseconds(),
		"error":   e.item.LastError,
	})
	m.log.WithFields(logging.DownloadFields(section, e.item.URL, e.item.Retries)).
		WithFields(logrus.Fields{"delay_ms": delay.Milliseconds(), "error": e.item.LastError}).
		Warn("download retry scheduled")
	m.unlockAndFlush()
	return delay, true
}

// commit 将数据交给 Sink。进入 committing 后 Cancel 与 Preempt 不再生效。
func (m *Manager) commit(ctx context.Context, e *entry, token uint64, data []byte, started time.Time) {
	m.mu.Lock()
	if !m.current(e, token) || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	e.committing = true
	section := e.item.Section
	m.mu.Unlock()

	var ttl time.Duration
	if m.ttl != nil {
		ttl = m.ttl(section)
	}
	// 已进入提交阶段的写入不受 Close 取消影响
	meta, err := m.sink.SaveRaw(context.WithoutCancel(ctx), section, data, ttl)

	m.mu.Lock()
	e.committing = false
	if err != nil {
		e.item.Retries++
		e.item.LastError = err.Error()
		m.finishLocked(e, StatusFailed)
		m.queueEvent(events.DownloadError, section, map[string]any{
			"retries": e.item.Retries,
			"error":   e.item.LastError,
			"url":     e.item.URL,
		})
		m.advanceLocked()
		m.unlockAndFlush()
		// Sink 已经记录过自身的错误
		m.log.WithFields(logging.SectionFields("download_save", section)).WithError(err).Error("saving download failed")
		return
	}

	e.item.Progress = 100
	e.item.Bytes = int64(len(data))
	m.finishLocked(e, StatusCompleted)
	delete(m.entries, section)
	elapsed := m.now().Sub(started)
	m.queueEvent(events.DownloadComplete, section, map[string]any{
		"bytes":       len(data),
		"totalChunks": meta.TotalChunks,
		"compressed":  meta.Compressed,
		"elapsedMs":   elapsed.Milliseconds(),
	})
	m.log.WithFields(logging.DownloadFields(section, e.item.URL, e.item.Retries+1)).WithFields(logrus.Fields{
		"bytes":      len(data),
		"elapsed_ms": elapsed.Milliseconds(),
	}).Info("download complete")
	m.advanceLocked()
	m.unlockAndFlush()

	if m.tracker != nil {
		m.tracker.RecordOp("download", elapsed)
	}
}

// finishLocked 进入终态：释放传输上下文并唤醒 Wait。
func (m *Manager) finishLocked(e *entry, status Status) {
	e.item.Status = status
	if status == StatusCompleted || status == StatusFailed {
		e.item.CompletedAt = m.now()
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.token++
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Cancel 中止并移除 section 的任务。任务不存在或已在写入缓存时返回 false。
func (m *Manager) Cancel(section string) bool {
	m.mu.Lock()
	e, ok := m.entries[section]
	if !ok || e.committing {
		m.mu.Unlock()
		return false
	}
	m.cancelLocked(e, false)
	m.advanceLocked()
	m.unlockAndFlush()
	return true
}

func (m *Manager) cancelLocked(e *entry, all bool) {
	wasActive := e.item.Status == StatusDownloading
	m.finishLocked(e, StatusCancelled)
	delete(m.entries, e.item.Section)
	m.queueEvent(events.DownloadCancelled, e.item.Section, map[string]any{
		"wasActive": wasActive,
		"all":       all,
	})
}

// CancelAll 中止全部任务并清空队列，返回被取消的 section 数量。
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	cancelled := 0
	for _, e := range m.sortedLocked() {
		if e.committing {
			continue
		}
		m.cancelLocked(e, true)
		cancelled++
	}
	m.unlockAndFlush()
	return cancelled
}

// Preempt 中止正在下载的任务并将其放回 PENDING，保留已重试次数。
// 不会自动推进队列，调用方在调整完优先级后调用 Resort。
func (m *Manager) Preempt(section string) bool {
	m.mu.Lock()
	e, ok := m.entries[section]
	if !ok || e.committing || e.item.Status != StatusDownloading {
		m.mu.Unlock()
		return false
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.token++
	e.item.Status = StatusPending
	e.item.Progress = 0
	e.item.Bytes = 0
	e.item.StartedAt = time.Time{}
	m.queueEvent(events.DownloadCancelled, section, map[string]any{"preempted": true})
	m.log.WithFields(logging.SectionFields("preempt", section)).Info("download preempted")
	m.unlockAndFlush()
	return true
}

// SetPriority 直接设置非终态任务的优先级（可降级）。
func (m *Manager) SetPriority(section string, priority Priority) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[section]
	if !ok || e.item.Status.Terminal() {
		return false
	}
	e.item.Priority = priority
	return true
}

// Reprioritize 对每个非终态任务调用 fn 并采用其返回的优先级。
func (m *Manager) Reprioritize(fn func(section string, current Priority) Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for section, e := range m.entries {
		if e.item.Status.Terminal() {
			continue
		}
		if p := fn(section, e.item.Priority); p >= PriorityLow && p <= PriorityHigh {
			e.item.Priority = p
		}
	}
}

// Resort 按当前优先级重新排序并填满并发槽位。
func (m *Manager) Resort() {
	m.mu.Lock()
	m.advanceLocked()
	m.unlockAndFlush()
}

// Queue 返回按调度顺序排列的任务快照。
func (m *Manager) Queue() []QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	items := make([]QueueItem, 0, len(sorted))
	for _, e := range sorted {
		items = append(items, e.item)
	}
	return items
}

// Item 返回单个任务快照。
func (m *Manager) Item(section string) (QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[section]
	if !ok {
		return QueueItem{}, false
	}
	return e.item, true
}

// Wait 阻塞直到 section 的任务进入终态，返回最终快照。
func (m *Manager) Wait(ctx context.Context, section string) (QueueItem, error) {
	m.mu.Lock()
	e, ok := m.entries[section]
	if !ok {
		m.mu.Unlock()
		return QueueItem{}, ErrNotQueued
	}
	done := e.done
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return QueueItem{}, ctx.Err()
	case <-done:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.item, nil
}

// Close 取消全部任务并等待下载 goroutine 退出。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, e := range m.sortedLocked() {
		if !e.committing {
			m.cancelLocked(e, true)
		}
	}
	m.unlockAndFlush()
	m.baseCancel()
	m.wg.Wait()
}
