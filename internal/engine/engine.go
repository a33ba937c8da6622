// Package engine composes the storage adapter, cache facade, download queue,
// priority and sync managers into one explicit context object. An Engine owns
// every component it creates; nothing is global, so several engines (for
// example one per test) can coexist in a process.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/cache"
	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/chunk"
	"github.com/any-hub/catalog-cache/internal/compress"
	"github.com/any-hub/catalog-cache/internal/config"
	"github.com/any-hub/catalog-cache/internal/download"
	"github.com/any-hub/catalog-cache/internal/events"
	"github.com/any-hub/catalog-cache/internal/logging"
	"github.com/any-hub/catalog-cache/internal/priority"
	"github.com/any-hub/catalog-cache/internal/stats"
	"github.com/any-hub/catalog-cache/internal/storage"
	"github.com/any-hub/catalog-cache/internal/syncer"
	"github.com/any-hub/catalog-cache/internal/version"
)

// ErrNotInitialized 在 Init 成功之前调用引擎方法时返回。
var ErrNotInitialized = cacheerr.Newf(cacheerr.CodeInitializationFailed, "engine", "engine not initialized")

// Options 描述 Engine 的外部依赖，除 Config 外均可为空。
type Options struct {
	Config *config.Config
	Logger *logrus.Logger
	// Fetcher 为空时使用按 UpstreamTimeout 配置的 HTTP 客户端。
	Fetcher download.Fetcher
	// InMemory 让 badger 不落盘，供测试与临时会话使用。
	InMemory bool
	Now      func() time.Time
}

// Engine 是缓存引擎对外的唯一入口。
type Engine struct {
	cfg     *config.Config
	logger  *logrus.Logger
	log     *logrus.Entry
	fetcher download.Fetcher
	now     func() time.Time
	inMem   bool

	bus     *events.Bus
	tracker *stats.Tracker

	adapter    storage.Adapter
	compressor *compress.Compressor
	cache      *cache.Cache
	downloads  *download.Manager
	priority   *priority.Manager
	syncer     *syncer.Manager

	sections map[string]config.SectionConfig

	mu          sync.Mutex
	initialized bool
	closed      bool
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup
}

// New 创建尚未初始化的引擎；事件订阅可以在 Init 之前完成。
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, cacheerr.New(cacheerr.CodeInitializationFailed, "engine", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		timeout := cfg.Global.UpstreamTimeout.DurationValue()
		fetcher = download.NewHTTPFetcher(download.NewHTTPClient(timeout), version.UserAgent()).WithStallTimeout(timeout)
	}

	sections := make(map[string]config.SectionConfig, len(cfg.Sections))
	for _, s := range cfg.Sections {
		sections[s.Name] = s
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		log:      logging.Component(logger, "engine"),
		fetcher:  fetcher,
		now:      opts.Now,
		inMem:    opts.InMemory,
		bus:      events.NewBus(logger),
		tracker:  stats.NewTracker(cfg.Global.ErrorHistorySize),
		sections: sections,
	}, nil
}

// Init 打开存储并装配全部组件。重复调用无副作用。
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.recordError(cacheerr.Newf(cacheerr.CodeInitializationFailed, "init", "engine closed"))
	}
	if e.initialized {
		return nil
	}
	g := e.cfg.Global
	started := e.now()

	adapter, err := storage.Open(ctx, storage.Options{
		Path:             g.StoragePath,
		InMemory:         e.inMem,
		SyncWrites:       g.SyncWrites,
		QuotaBytes:       g.StorageQuota,
		FallbackCapacity: g.FallbackCapacity,
		ForceFallback:    g.ForceFallback,
	}, e.logger)
	if err != nil {
		return e.recordError(cacheerr.Wrap(err, cacheerr.CodeInitializationFailed, "init"))
	}

	codec, err := compress.ParseCodec(g.Compression)
	if err != nil {
		_ = adapter.Close()
		return e.recordError(cacheerr.New(cacheerr.CodeInitializationFailed, "init", err))
	}
	compressor, err := compress.New(codec, g.CompressionThreshold, adapter.Capabilities().Durable)
	if err != nil {
		_ = adapter.Close()
		return e.recordError(cacheerr.Wrap(err, cacheerr.CodeInitializationFailed, "init"))
	}

	c, err := cache.New(cache.Options{
		Adapter:       adapter,
		Compressor:    compressor,
		Splitter:      chunk.New(g.ChunkSize),
		Bus:           e.bus,
		Tracker:       e.tracker,
		Logger:        e.logger,
		DefaultTTL:    g.DefaultTTL.DurationValue(),
		HighWater:     g.EvictionHighWater,
		LowWater:      g.EvictionLowWater,
		MemoryEntries: g.MemoryCacheEntries,
		OnError:       e.onError,
		Now:           e.now,
	})
	if err != nil {
		compressor.Close()
		_ = adapter.Close()
		return e.recordError(err)
	}

	downloads, err := download.NewManager(download.Options{
		Fetcher:       e.fetcher,
		Sink:          c,
		Bus:           e.bus,
		Tracker:       e.tracker,
		Logger:        e.logger,
		MaxConcurrent: g.MaxConcurrent,
		MaxRetries:    g.MaxRetries,
		BaseDelay:     g.RetryBaseDelay.DurationValue(),
		MaxDelay:      g.RetryMaxDelay.DurationValue(),
		TTL:           e.sectionTTL,
		OnError:       e.onError,
		Now:           e.now,
	})
	if err != nil {
		compressor.Close()
		_ = adapter.Close()
		return e.recordError(err)
	}

	syncMgr, err := syncer.New(syncer.Options{
		Fetcher:    e.fetcher,
		Sink:       c,
		Bus:        e.bus,
		Tracker:    e.tracker,
		Logger:     e.logger,
		Interval:   g.SyncInterval.DurationValue(),
		MaxRetries: g.MaxRetries,
		BaseDelay:  g.RetryBaseDelay.DurationValue(),
		MaxDelay:   g.RetryMaxDelay.DurationValue(),
		TTL:        e.sectionTTL,
		OnError:    e.onError,
		Now:        e.now,
	})
	if err != nil {
		downloads.Close()
		compressor.Close()
		_ = adapter.Close()
		return e.recordError(err)
	}

	e.adapter = adapter
	e.compressor = compressor
	e.cache = c
	e.downloads = downloads
	e.priority = priority.New(downloads, e.logger)
	e.syncer = syncMgr

	if err := c.RefreshStats(ctx); err != nil {
		e.log.WithError(err).Warn("initial stats refresh failed")
	}
	if g.CleanupOnInit {
		if removed, err := c.CleanupExpired(ctx); err != nil {
			e.log.WithError(err).Warn("cleanup on init failed")
		} else if removed > 0 {
			e.log.WithField("removed", removed).Info("expired sections removed on init")
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	e.bgCtx = bgCtx
	e.bgCancel = cancel
	if interval := g.CleanupInterval.DurationValue(); interval > 0 {
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			c.RunJanitor(bgCtx, interval)
		}()
	}

	e.initialized = true
	caps := adapter.Capabilities()
	e.log.WithFields(logrus.Fields{
		"action":     "init",
		"backend":    caps.Backend,
		"durable":    caps.Durable,
		"codec":      string(codec),
		"sections":   config.SectionNames(e.cfg.Sections),
		"elapsed_ms": e.now().Sub(started).Milliseconds(),
	}).Info("engine ready")
	return nil
}

// Start 为配置中标记 Prefetch 的 section 排队下载，并对带 VersionURL 的 section
// 启动后台版本同步。必须在 Init 之后调用。
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	var targets []syncer.Target
	for _, s := range e.cfg.Sections {
		if s.Prefetch && !e.cache.Exists(ctx, s.Name) {
			p, err := download.ParsePriority(s.Priority)
			if err != nil {
				p = download.PriorityMedium
			}
			if _, err := e.downloads.Enqueue(s.Name, s.URL, p); err != nil {
				e.recordError(err)
			}
		}
		if s.VersionURL != "" {
			targets = append(targets, syncer.Target{Section: s.Name, URL: s.URL, VersionURL: s.VersionURL})
		}
	}
	if len(targets) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	// Watch 在 Close 或调用方 ctx 结束时退出
	watchCtx, cancel := context.WithCancel(e.bgCtx)
	stop := context.AfterFunc(ctx, cancel)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer stop()
		defer cancel()
		e.syncer.Watch(watchCtx, targets)
	}()
	e.log.WithFields(logrus.Fields{"action": "sync_watch", "targets": len(targets)}).Info("background sync started")
	return nil
}

// Close 停止后台任务、取消全部下载并关闭存储。
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	initialized := e.initialized
	cancel := e.bgCancel
	e.mu.Unlock()

	if !initialized {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	e.downloads.Close()
	e.bg.Wait()
	e.compressor.Close()
	if err := e.adapter.Close(); err != nil {
		return e.recordError(cacheerr.Wrap(err, cacheerr.CodeStorageUnavailable, "close"))
	}
	e.log.WithField("action", "close").Info("engine closed")
	return nil
}

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.closed {
		return ErrNotInitialized
	}
	return nil
}

// onError 是各组件共享的错误出口。
func (e *Engine) onError(err error) {
	e.recordError(err)
}

// recordError 统计错误码、写日志并发出 error 事件，返回原错误。
func (e *Engine) recordError(err error) error {
	if err == nil {
		return nil
	}
	code := e.tracker.RecordError(err)
	section := ""
	var coded *cacheerr.Error
	if errors.As(err, &coded) {
		section = coded.Section
	}
	entry := e.log.WithFields(logrus.Fields{"action": "error", "code": string(code)})
	if section != "" {
		entry = entry.WithField("section", section)
	}
	entry.Warn(err.Error())
	e.bus.EmitSection(events.Error, section, map[string]any{"code": string(code), "message": err.Error()})
	return err
}

func (e *Engine) sectionTTL(section string) time.Duration {
	if s, ok := e.sections[section]; ok {
		return e.cfg.EffectiveTTL(s)
	}
	return e.cfg.Global.DefaultTTL.DurationValue()
}

// Config 返回引擎使用的配置。
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// SectionConfig 返回配置文件中声明的 section。
func (e *Engine) SectionConfig(name string) (config.SectionConfig, bool) {
	s, ok := e.sections[name]
	return s, ok
}
