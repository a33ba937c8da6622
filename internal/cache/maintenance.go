package cache

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/events"
	"github.com/any-hub/catalog-cache/internal/storage"
)

type compactor interface {
	Compact() error
}

// CleanupExpired 扫描全部 metadata，清除已过期的 section，每个发出一次 expired 事件。
func (c *Cache) CleanupExpired(ctx context.Context) (int, error) {
	defer c.tracker.Time("cleanup")()
	c.global.RLock()
	defer c.global.RUnlock()

	metas, err := c.AllMetadata(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	removed := 0
	for _, meta := range metas {
		if !meta.ExpiredAt(now) {
			continue
		}
		unlock := c.locks.lock(meta.Section)
		current, ok, err := c.readMetadata(ctx, meta.Section)
		if err != nil || !ok || !current.ExpiredAt(now) {
			unlock()
			continue
		}
		err = c.clearLocked(ctx, current)
		unlock()
		if err != nil {
			return removed, c.report(err)
		}
		removed++
		c.bus.EmitSection(events.Expired, current.Section, map[string]any{"expiresAt": current.ExpiresAt()})
	}
	if removed > 0 {
		c.log.WithFields(logrus.Fields{"action": "cleanup_expired", "removed": removed}).Info("expired sections removed")
	}
	return removed, nil
}

// CleanupLRU 按 lastAccessed 升序（相同时按创建时间）逐个清除，直到已用空间不超过 targetBytes。
// targetBytes 为负数时以低水位为目标。后端不支持配额查询时为 no-op。
func (c *Cache) CleanupLRU(ctx context.Context, targetBytes int64) ([]string, error) {
	defer c.tracker.Time("cleanup_lru")()
	c.global.RLock()
	defer c.global.RUnlock()
	if targetBytes < 0 {
		quota, err := c.adapter.Quota(ctx)
		if errors.Is(err, storage.ErrQuotaUnsupported) {
			return nil, nil
		}
		if err != nil {
			return nil, c.report(cacheerr.Wrap(err, cacheerr.CodeStorageUnavailable, "quota"))
		}
		targetBytes = int64(c.lowWater * float64(quota.TotalBytes))
	}
	removed, err := c.evictLocked(ctx, targetBytes, "", false)
	if err != nil {
		return removed, c.report(err)
	}
	return removed, nil
}

// evictLocked 调用方需持有 global 读锁。tryOnly 为 true 时跳过正被占用的 section。
func (c *Cache) evictLocked(ctx context.Context, targetBytes int64, protect string, tryOnly bool) ([]string, error) {
	quota, err := c.adapter.Quota(ctx)
	if errors.Is(err, storage.ErrQuotaUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.CodeStorageUnavailable, "evict")
	}
	if quota.UsedBytes <= targetBytes {
		return nil, nil
	}

	metas, err := c.AllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].LastAccessed != metas[j].LastAccessed {
			return metas[i].LastAccessed < metas[j].LastAccessed
		}
		if metas[i].Timestamp != metas[j].Timestamp {
			return metas[i].Timestamp < metas[j].Timestamp
		}
		return metas[i].Section < metas[j].Section
	})

	var removed []string
	for _, meta := range metas {
		if meta.Section == protect {
			continue
		}
		var unlock func()
		if tryOnly {
			var ok bool
			if unlock, ok = c.locks.tryLock(meta.Section); !ok {
				continue
			}
		} else {
			unlock = c.locks.lock(meta.Section)
		}
		current, ok, err := c.readMetadata(ctx, meta.Section)
		if err != nil || !ok || current.LastAccessed != meta.LastAccessed || current.Timestamp != meta.Timestamp {
			// 排序后被访问或重写过，跳过以维持 LRU 顺序
			unlock()
			continue
		}
		err = c.clearLocked(ctx, current)
		unlock()
		if err != nil {
			return removed, err
		}
		removed = append(removed, current.Section)
		c.bus.EmitSection(events.Evicted, current.Section, map[string]any{
			"lastAccessed": current.LastAccessed,
			"storedBytes":  current.StoredBytes,
		})

		quota, err = c.adapter.Quota(ctx)
		if err != nil {
			return removed, cacheerr.Wrap(err, cacheerr.CodeStorageUnavailable, "evict")
		}
		if quota.UsedBytes <= targetBytes {
			break
		}
	}

	if len(removed) > 0 {
		if comp, ok := c.adapter.(compactor); ok {
			if err := comp.Compact(); err != nil {
				c.log.WithError(err).Warn("storage compaction failed")
			}
		}
		c.log.WithFields(logrus.Fields{
			"action":     "evict_lru",
			"removed":    len(removed),
			"used_bytes": quota.UsedBytes,
			"target":     targetBytes,
		}).Info("sections evicted")
	}
	return removed, nil
}

// ensureRoom 在写入前确认配额足够容纳 delta 字节，不足时先淘汰其他 section。
// 调用方持有 protect 的 section 锁，因此只尝试获取其他 section 的锁。
func (c *Cache) ensureRoom(ctx context.Context, protect string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	quota, err := c.adapter.Quota(ctx)
	if err != nil {
		return nil
	}
	if quota.AvailableBytes >= delta {
		return nil
	}
	target := quota.TotalBytes - delta
	if target < 0 {
		return cacheerr.Newf(cacheerr.CodeQuotaExceeded, "save", "payload needs %d bytes, quota is %d", delta, quota.TotalBytes).
			WithSection(protect)
	}
	if _, err := c.evictLocked(ctx, target, protect, true); err != nil {
		return err
	}
	quota, err = c.adapter.Quota(ctx)
	if err != nil {
		return nil
	}
	if quota.AvailableBytes < delta {
		return cacheerr.Newf(cacheerr.CodeQuotaExceeded, "save", "payload needs %d bytes, %d available after eviction", delta, quota.AvailableBytes).
			WithSection(protect).
			WithDetail("usedBytes", quota.UsedBytes).
			WithDetail("totalBytes", quota.TotalBytes)
	}
	return nil
}

// enforceQuota 在写入成功后检查水位，超过高水位时发出 quota_warning 并淘汰至低水位。
func (c *Cache) enforceQuota(ctx context.Context, protect string) {
	quota, err := c.adapter.Quota(ctx)
	if err != nil {
		return
	}
	ratio := quota.UsageRatio()
	if ratio <= c.highWater {
		return
	}
	c.bus.EmitSection(events.QuotaWarning, protect, map[string]any{
		"usedBytes":  quota.UsedBytes,
		"totalBytes": quota.TotalBytes,
		"ratio":      ratio,
	})
	target := int64(c.lowWater * float64(quota.TotalBytes))
	c.global.RLock()
	_, err = c.evictLocked(ctx, target, protect, false)
	c.global.RUnlock()
	if err != nil {
		c.report(err)
	}
}

// RunJanitor 按 interval 周期性清理过期 section，直到 ctx 结束。
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("periodic cleanup failed")
			}
		}
	}
}
