package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook()), rejectUnknownKeys); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sections {
		applySectionDefaults(&cfg.Sections[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// Default 返回只包含默认值的配置，便于测试和嵌入式场景直接构造引擎。
func Default() *Config {
	cfg := &Config{
		Global: GlobalConfig{
			LogMaxSize:         100,
			LogMaxBackups:      10,
			LogCompress:        true,
			StorageQuota:       512 * 1024 * 1024,
			CleanupOnInit:      true,
			MemoryCacheEntries: 32,
		},
	}
	applyGlobalDefaults(&cfg.Global)
	return cfg
}

// rejectUnknownKeys 让拼写错误的配置项直接报错，而不是被静默忽略。
func rejectUnknownKeys(dc *mapstructure.DecoderConfig) {
	dc.ErrorUnused = true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5100)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageQuota", 512*1024*1024)
	v.SetDefault("FallbackCapacity", 5*1024*1024)
	v.SetDefault("ForceFallback", false)
	v.SetDefault("SyncWrites", false)
	v.SetDefault("DefaultTTL", 86400)
	v.SetDefault("Compression", "snappy")
	v.SetDefault("CompressionThreshold", 1024)
	v.SetDefault("ChunkSize", 5*1024*1024)
	v.SetDefault("CleanupOnInit", true)
	v.SetDefault("CleanupInterval", "0s")
	v.SetDefault("EvictionHighWater", 0.9)
	v.SetDefault("EvictionLowWater", 0.8)
	v.SetDefault("MemoryCacheEntries", 32)
	v.SetDefault("MaxConcurrent", 3)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("RetryBaseDelay", "1s")
	v.SetDefault("RetryMaxDelay", "30s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("SyncInterval", "5m")
	v.SetDefault("ErrorHistorySize", 50)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5100
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.StoragePath == "" {
		g.StoragePath = "./storage"
	}
	if g.FallbackCapacity == 0 {
		g.FallbackCapacity = 5 * 1024 * 1024
	}
	if g.DefaultTTL.DurationValue() == 0 {
		g.DefaultTTL = Duration(24 * time.Hour)
	}
	if g.Compression == "" {
		g.Compression = "snappy"
	}
	g.Compression = strings.ToLower(strings.TrimSpace(g.Compression))
	if g.CompressionThreshold == 0 {
		g.CompressionThreshold = 1024
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = 5 * 1024 * 1024
	}
	if g.EvictionHighWater == 0 {
		g.EvictionHighWater = 0.9
	}
	if g.EvictionLowWater == 0 {
		g.EvictionLowWater = 0.8
	}
	if g.MaxConcurrent == 0 {
		g.MaxConcurrent = 3
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.RetryBaseDelay.DurationValue() == 0 {
		g.RetryBaseDelay = Duration(time.Second)
	}
	if g.RetryMaxDelay.DurationValue() == 0 {
		g.RetryMaxDelay = Duration(30 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.SyncInterval.DurationValue() == 0 {
		g.SyncInterval = Duration(5 * time.Minute)
	}
	if g.ErrorHistorySize == 0 {
		g.ErrorHistorySize = 50
	}
}

func applySectionDefaults(s *SectionConfig) {
	s.Name = strings.TrimSpace(s.Name)
	if s.TTL.DurationValue() < 0 {
		s.TTL = Duration(0)
	}
	if p := strings.TrimSpace(s.Priority); p != "" {
		s.Priority = strings.ToUpper(p)
	} else {
		s.Priority = "MEDIUM"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
