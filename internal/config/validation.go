package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/any-hub/catalog-cache/internal/chunk"
)

var supportedCodecs = map[string]struct{}{
	"snappy": {},
	"zstd":   {},
	"none":   {},
}

var supportedPriorities = map[string]struct{}{
	"LOW":    {},
	"MEDIUM": {},
	"HIGH":   {},
}

const (
	minChunkSize = 1024
	maxChunkSize = 64 * 1024 * 1024
)

// Validate 针对语义级别做进一步校验，越界值直接拒绝而不是静默修正。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StorageQuota < 0 {
		return newFieldError("Global.StorageQuota", "不能为负数")
	}
	if g.FallbackCapacity <= 0 {
		return newFieldError("Global.FallbackCapacity", "必须大于 0")
	}
	if g.DefaultTTL.DurationValue() <= 0 {
		return newFieldError("Global.DefaultTTL", "必须大于 0")
	}
	if _, ok := supportedCodecs[g.Compression]; !ok {
		return newFieldError("Global.Compression", "仅支持 snappy/zstd/none")
	}
	if g.CompressionThreshold < 0 {
		return newFieldError("Global.CompressionThreshold", "不能为负数")
	}
	if g.ChunkSize < minChunkSize || g.ChunkSize > maxChunkSize {
		return newFieldError("Global.ChunkSize", fmt.Sprintf("必须在 %d-%d 字节之间", minChunkSize, maxChunkSize))
	}
	if g.CleanupInterval.DurationValue() < 0 {
		return newFieldError("Global.CleanupInterval", "不能为负数")
	}
	if g.EvictionHighWater <= 0 || g.EvictionHighWater > 1 {
		return newFieldError("Global.EvictionHighWater", "必须在 (0, 1]")
	}
	if g.EvictionLowWater <= 0 || g.EvictionLowWater >= g.EvictionHighWater {
		return newFieldError("Global.EvictionLowWater", "必须大于 0 且小于 EvictionHighWater")
	}
	if g.MemoryCacheEntries < 0 {
		return newFieldError("Global.MemoryCacheEntries", "不能为负数")
	}
	if g.MaxConcurrent <= 0 || g.MaxConcurrent > 32 {
		return newFieldError("Global.MaxConcurrent", "必须在 1-32")
	}
	if g.MaxRetries <= 0 {
		return newFieldError("Global.MaxRetries", "必须大于 0")
	}
	if g.RetryBaseDelay.DurationValue() <= 0 {
		return newFieldError("Global.RetryBaseDelay", "必须大于 0")
	}
	if g.RetryMaxDelay.DurationValue() < g.RetryBaseDelay.DurationValue() {
		return newFieldError("Global.RetryMaxDelay", "不能小于 RetryBaseDelay")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.SyncInterval.DurationValue() <= 0 {
		return newFieldError("Global.SyncInterval", "必须大于 0")
	}
	if g.ErrorHistorySize <= 0 {
		return newFieldError("Global.ErrorHistorySize", "必须大于 0")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sections {
		section := &c.Sections[i]
		if section.Name == "" {
			return newFieldError(sectionField(i, "", "Name"), "不能为空")
		}
		if err := chunk.CheckName(section.Name); err != nil {
			return wrapFieldError(sectionField(i, printableName(section.Name), "Name"), "名称不合法", err)
		}
		if _, exists := seenNames[section.Name]; exists {
			return newFieldError(sectionField(i, section.Name, "Name"), "重复")
		}
		seenNames[section.Name] = struct{}{}

		if err := validateUpstream(section.URL); err != nil {
			return wrapFieldError(sectionField(i, section.Name, "URL"), "上游地址无效", err)
		}
		if section.VersionURL != "" {
			if err := validateUpstream(section.VersionURL); err != nil {
				return wrapFieldError(sectionField(i, section.Name, "VersionURL"), "版本地址无效", err)
			}
		}
		if _, ok := supportedPriorities[section.Priority]; !ok {
			return newFieldError(sectionField(i, section.Name, "Priority"), "仅支持 LOW/MEDIUM/HIGH")
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// printableName 在字段路径中展示名称，过长或含控制字符时转义并截断。
func printableName(name string) string {
	if len(name) > 32 {
		name = name[:32] + "..."
	}
	quoted := strconv.Quote(name)
	if quoted[1:len(quoted)-1] == name {
		return name
	}
	return quoted
}
