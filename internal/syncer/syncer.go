// Package syncer keeps cached sections in step with their upstream. A cheap
// version probe decides whether a section changed; only then is the full
// payload fetched and swapped in through the cache facade, which keeps the
// stale copy readable until the new one is completely written.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/catalog-cache/internal/cache"
	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/download"
	"github.com/any-hub/catalog-cache/internal/events"
	"github.com/any-hub/catalog-cache/internal/logging"
	"github.com/any-hub/catalog-cache/internal/stats"
)

// DefaultInterval 是同一 section 两次版本检查之间的最短间隔。
const DefaultInterval = 5 * time.Minute

// Target 描述一个需要持续同步的 section。
type Target struct {
	Section    string
	URL        string
	VersionURL string
}

type Options struct {
	Fetcher download.Fetcher
	Sink    download.Sink
	Bus     *events.Bus
	Tracker *stats.Tracker
	Logger  *logrus.Logger

	Interval   time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	TTL        func(section string) time.Duration
	OnError    func(error)
	Now        func() time.Time
}

type state struct {
	version     string
	pending     string
	lastChecked time.Time
}

// Manager 跟踪每个 section 已知的版本号。
type Manager struct {
	fetcher  download.Fetcher
	sink     download.Sink
	bus      *events.Bus
	tracker  *stats.Tracker
	log      *logrus.Entry
	interval time.Duration
	retries  int
	base     time.Duration
	max      time.Duration
	ttl      func(string) time.Duration
	onError  func(error)
	now      func() time.Time
	// timer 为空时使用 backoff 的默认计时器，测试中替换为零等待实现。
	timer backoff.Timer

	group singleflight.Group

	mu     sync.Mutex
	states map[string]*state
}

func New(opts Options) (*Manager, error) {
	if opts.Fetcher == nil || opts.Sink == nil {
		return nil, cacheerr.Newf(cacheerr.CodeInitializationFailed, "syncer", "fetcher and sink are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = download.DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = download.DefaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		fetcher:  opts.Fetcher,
		sink:     opts.Sink,
		bus:      opts.Bus,
		tracker:  opts.Tracker,
		log:      logging.Component(opts.Logger, "syncer"),
		interval: opts.Interval,
		retries:  opts.MaxRetries,
		base:     opts.BaseDelay,
		max:      opts.MaxDelay,
		ttl:      opts.TTL,
		onError:  opts.OnError,
		now:      opts.Now,
		states:   make(map[string]*state),
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

func (m *Manager) stateLocked(section string) *state {
	st, ok := m.states[section]
	if !ok {
		st = &state{}
		m.states[section] = st
	}
	return st
}

// CheckForUpdates 探测 section 的上游版本。首次观测只记录版本并返回 false；
// 版本变化时返回 true，新版本在 UpdateSection 成功后才生效。
// 距离上次检查不足 Interval 的调用直接返回 false。
func (m *Manager) CheckForUpdates(ctx context.Context, section, versionURL string) (bool, error) {
	if err := cache.ValidateSection(section); err != nil {
		return false, err
	}

	m.mu.Lock()
	st := m.stateLocked(section)
	if !st.lastChecked.IsZero() && m.now().Sub(st.lastChecked) < m.interval {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	result, err, _ := m.group.Do("check:"+section, func() (interface{}, error) {
		return m.check(ctx, section, versionURL)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (m *Manager) check(ctx context.Context, section, versionURL string) (bool, error) {
	done := m.timeOp("sync_check")
	defer done()

	body, err := m.fetcher.Fetch(ctx, versionURL, nil)
	if err == nil {
		var token string
		token, err = parseVersion(body)
		if err == nil {
			return m.observe(section, token), nil
		}
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	// 失败同样占用节流窗口，故障的上游每个 Interval 最多被探测一次
	m.mu.Lock()
	m.stateLocked(section).lastChecked = m.now()
	m.mu.Unlock()

	failure := cacheerr.WrapSection(err, cacheerr.CodeDownloadFailed, "sync_check", section)
	m.bus.EmitSection(events.SyncError, section, map[string]any{"stage": "check", "error": failure.Error()})
	m.log.WithFields(logging.SectionFields("sync_check", section)).WithError(failure).Warn("version check failed")
	m.onError(failure)
	return false, failure
}

func (m *Manager) observe(section, token string) bool {
	m.mu.Lock()
	st := m.stateLocked(section)
	st.lastChecked = m.now()
	changed := false
	switch {
	case st.version == "":
		st.version = token
	case token != st.version:
		st.pending = token
		changed = true
	default:
		st.pending = ""
	}
	known := st.version
	m.mu.Unlock()

	m.bus.EmitSection(events.SyncChecked, section, map[string]any{
		"changed": changed,
		"version": token,
		"current": known,
	})
	m.log.WithFields(logging.SectionFields("sync_check", section)).
		WithFields(logrus.Fields{"changed": changed, "version": token}).
		Debug("version checked")
	return changed
}

// UpdateSection 完整拉取 section 并写入缓存。失败时旧数据保持不变。
func (m *Manager) UpdateSection(ctx context.Context, section, dataURL string) error {
	if err := cache.ValidateSection(section); err != nil {
		return err
	}
	_, err, _ := m.group.Do("update:"+section, func() (interface{}, error) {
		return nil, m.update(ctx, section, dataURL)
	})
	return err
}

func (m *Manager) update(ctx context.Context, section, dataURL string) error {
	started := m.now()
	data, err := m.fetchWithRetry(ctx, section, dataURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failure := cacheerr.New(cacheerr.CodeDownloadFailed, "sync_update", err).
			WithSection(section).
			WithDetail("url", dataURL)
		m.emitUpdateError(section, failure)
		m.onError(failure)
		return failure
	}

	var ttl time.Duration
	if m.ttl != nil {
		ttl = m.ttl(section)
	}
	meta, err := m.sink.SaveRaw(ctx, section, data, ttl)
	if err != nil {
		// 写入失败已由缓存记录
		m.emitUpdateError(section, err)
		return err
	}

	m.mu.Lock()
	st := m.stateLocked(section)
	if st.pending != "" {
		st.version = st.pending
		st.pending = ""
	}
	version := st.version
	m.mu.Unlock()

	elapsed := m.now().Sub(started)
	if m.tracker != nil {
		m.tracker.RecordOp("sync_update", elapsed)
	}
	m.bus.EmitSection(events.SyncUpdated, section, map[string]any{
		"bytes":       len(data),
		"totalChunks": meta.TotalChunks,
		"version":     version,
	})
	m.log.WithFields(logging.SectionFields("sync_update", section)).WithFields(logrus.Fields{
		"bytes":      len(data),
		"version":    version,
		"elapsed_ms": elapsed.Milliseconds(),
	}).Info("section updated")
	return nil
}

func (m *Manager) emitUpdateError(section string, err error) {
	m.bus.EmitSection(events.SyncError, section, map[string]any{"stage": "update", "error": err.Error()})
	m.log.WithFields(logging.SectionFields("sync_update", section)).WithError(err).Warn("section update failed")
}

// fetchWithRetry 复用下载队列的退避策略：无抖动指数退避，封顶 MaxDelay，最多 MaxRetries 次尝试。
func (m *Manager) fetchWithRetry(ctx context.Context, section, url string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = m.max
	b.MaxElapsedTime = 0
	b.Reset()

	// 只允许一次尝试时不重试
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if m.retries > 1 {
		policy = backoff.WithMaxRetries(b, uint64(m.retries-1))
	}
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	var data []byte
	op := func() error {
		attempt++
		body, err := m.fetcher.Fetch(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		data = body
		return nil
	}
	notify := func(err error, delay time.Duration) {
		m.log.WithFields(logging.DownloadFields(section, url, attempt)).
			WithFields(logrus.Fields{"delay_ms": delay.Milliseconds(), "error": err.Error()}).
			Warn("sync fetch retry scheduled")
	}
	if err := backoff.RetryNotifyWithTimer(op, policy, notify, m.timer); err != nil {
		return nil, err
	}
	return data, nil
}

// Version 返回 section 当前已确认的版本号。
func (m *Manager) Version(section string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[section]
	if !ok || st.version == "" {
		return "", false
	}
	return st.version, true
}

// Forget 丢弃 section 的版本记录，下一次检查重新建立基线。
func (m *Manager) Forget(section string) {
	m.mu.Lock()
	delete(m.states, section)
	m.mu.Unlock()
}

// RunOnce 依次检查 targets，版本变化的 section 立即更新。返回被更新的 section。
func (m *Manager) RunOnce(ctx context.Context, targets []Target) []string {
	var updated []string
	for _, target := range targets {
		if ctx.Err() != nil {
			return updated
		}
		if target.VersionURL == "" || target.URL == "" {
			continue
		}
		changed, err := m.CheckForUpdates(ctx, target.Section, target.VersionURL)
		if err != nil || !changed {
			continue
		}
		if err := m.UpdateSection(ctx, target.Section, target.URL); err == nil {
			updated = append(updated, target.Section)
		}
	}
	return updated
}

// Watch 立即执行一轮检查，之后每个 Interval 重复，直到 ctx 取消。
func (m *Manager) Watch(ctx context.Context, targets []Target) {
	m.RunOnce(ctx, targets)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx, targets)
		}
	}
}

func (m *Manager) timeOp(op string) func() {
	if m.tracker == nil {
		return func() {}
	}
	return m.tracker.Time(op)
}

// parseVersion 从响应体中提取版本号：JSON 对象取 version 字段，其它情况使用整个响应体。
func parseVersion(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty version response")
	}
	if trimmed[0] == '{' {
		var doc map[string]any
		if err := json.Unmarshal(trimmed, &doc); err == nil {
			switch v := doc["version"].(type) {
			case string:
				if v != "" {
					return v, nil
				}
			case float64:
				return strconv.FormatFloat(v, 'f', -1, 64), nil
			case nil:
			default:
				encoded, err := json.Marshal(v)
				if err == nil {
					return string(encoded), nil
				}
			}
		}
	}
	return string(trimmed), nil
}
