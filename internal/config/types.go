package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述缓存引擎的全局行为，所有 Section 共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// 存储
	StoragePath      string `mapstructure:"StoragePath"`
	StorageQuota     int64  `mapstructure:"StorageQuota"`
	FallbackCapacity int64  `mapstructure:"FallbackCapacity"`
	ForceFallback    bool   `mapstructure:"ForceFallback"`
	SyncWrites       bool   `mapstructure:"SyncWrites"`

	// 编码
	DefaultTTL           Duration `mapstructure:"DefaultTTL"`
	Compression          string   `mapstructure:"Compression"`
	CompressionThreshold int      `mapstructure:"CompressionThreshold"`
	ChunkSize            int      `mapstructure:"ChunkSize"`

	// 清理与淘汰
	CleanupOnInit      bool     `mapstructure:"CleanupOnInit"`
	CleanupInterval    Duration `mapstructure:"CleanupInterval"`
	EvictionHighWater  float64  `mapstructure:"EvictionHighWater"`
	EvictionLowWater   float64  `mapstructure:"EvictionLowWater"`
	MemoryCacheEntries int      `mapstructure:"MemoryCacheEntries"`

	// 下载
	MaxConcurrent   int      `mapstructure:"MaxConcurrent"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	RetryBaseDelay  Duration `mapstructure:"RetryBaseDelay"`
	RetryMaxDelay   Duration `mapstructure:"RetryMaxDelay"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	SyncInterval     Duration `mapstructure:"SyncInterval"`
	ErrorHistorySize int      `mapstructure:"ErrorHistorySize"`
}

// SectionConfig 声明一个由守护进程托管的目录分区：启动时预取，之后定期检查版本。
type SectionConfig struct {
	Name       string   `mapstructure:"Name"`
	URL        string   `mapstructure:"URL"`
	VersionURL string   `mapstructure:"VersionURL"`
	TTL        Duration `mapstructure:"TTL"`
	Priority   string   `mapstructure:"Priority"`
	Prefetch   bool     `mapstructure:"Prefetch"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig    `mapstructure:",squash"`
	Sections []SectionConfig `mapstructure:"Section"`
}

// EffectiveTTL 返回特定 Section 生效的 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveTTL(s SectionConfig) time.Duration {
	if s.TTL.DurationValue() > 0 {
		return s.TTL.DurationValue()
	}
	return c.Global.DefaultTTL.DurationValue()
}

// SectionNames 返回所有托管 Section 名称，供日志字段使用。
func SectionNames(sections []SectionConfig) []string {
	if len(sections) == 0 {
		return nil
	}
	result := make([]string, len(sections))
	for i, s := range sections {
		result[i] = s.Name
	}
	return result
}
