package storage

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/logging"
)

// Options 汇总后端选择所需的参数，由 engine 从 config.GlobalConfig 构造。
type Options struct {
	Path             string
	InMemory         bool
	SyncWrites       bool
	QuotaBytes       int64
	FallbackCapacity int64
	ForceFallback    bool
}

// Open 在引擎初始化时选择一次后端：优先 badger，失败则记录告警并退回内存存储。
// 两者都无法使用时返回 InitializationFailed。
func Open(ctx context.Context, opts Options, logger *logrus.Logger) (Adapter, error) {
	log := logging.Component(logger, "storage")

	if !opts.ForceFallback {
		durable := NewBadger(BadgerOptions{
			Path:       opts.Path,
			InMemory:   opts.InMemory,
			SyncWrites: opts.SyncWrites,
			QuotaBytes: opts.QuotaBytes,
		})
		err := durable.Open(ctx)
		if err == nil {
			log.WithFields(logrus.Fields{
				"action":    "storage_open",
				"backend":   "badger",
				"path":      opts.Path,
				"in_memory": opts.InMemory,
			}).Info("durable storage ready")
			return durable, nil
		}
		if ctx.Err() != nil {
			return nil, cacheerr.New(cacheerr.CodeInitializationFailed, "open", ctx.Err())
		}
		unavailable := cacheerr.New(cacheerr.CodeDurableUnavailable, "open", err).WithDetail("path", opts.Path)
		log.WithFields(logrus.Fields{
			"action": "storage_fallback",
			"code":   string(unavailable.Code),
		}).Warn(unavailable.Error())
	}

	fallback := NewMemory(opts.FallbackCapacity)
	if err := fallback.Open(ctx); err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.CodeInitializationFailed, "open")
	}
	log.WithFields(logrus.Fields{
		"action":   "storage_open",
		"backend":  "memory",
		"capacity": opts.FallbackCapacity,
	}).Warn("running on volatile fallback storage")
	return fallback, nil
}
