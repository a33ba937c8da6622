package cache

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/chunk"
	"github.com/any-hub/catalog-cache/internal/compress"
)

// MaxSectionLength 限制 section 名称的字节数。
const MaxSectionLength = chunk.MaxNameLength

// Metadata 是每个 section 的簿记记录，以 JSON 存放在 metadata 命名空间。
// 过期时刻 = Timestamp + TTLSeconds*1000（毫秒）。
type Metadata struct {
	Section      string         `json:"section"`
	Timestamp    int64          `json:"timestamp"`
	TTLSeconds   int64          `json:"ttlSeconds"`
	SizeBytes    int64          `json:"sizeBytes"`
	StoredBytes  int64          `json:"storedBytes"`
	Compressed   bool           `json:"compressed"`
	Codec        compress.Codec `json:"codec,omitempty"`
	Chunked      bool           `json:"chunked"`
	TotalChunks  int            `json:"totalChunks"`
	LastAccessed int64          `json:"lastAccessed"`
	AccessCount  int64          `json:"accessCount"`
}

// ExpiresAt 返回过期时刻（Unix 毫秒）。
func (m Metadata) ExpiresAt() int64 {
	return m.Timestamp + m.TTLSeconds*1000
}

// ExpiredAt 判断在 now 时刻是否已过期，恰好等于过期时刻时仍视为有效。
func (m Metadata) ExpiredAt(now time.Time) bool {
	return now.UnixMilli() > m.ExpiresAt()
}

// payloadKeys 返回该记录占用的全部 payload key。
func (m Metadata) payloadKeys() []string {
	if !m.Chunked {
		return []string{m.Section}
	}
	keys := make([]string, m.TotalChunks)
	for i := range keys {
		keys[i] = chunk.Key(m.Section, i)
	}
	return keys
}

func encodeMetadata(m Metadata) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMetadata(section string, raw []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, cacheerr.New(cacheerr.CodeCorruptedData, "metadata", err).WithSection(section)
	}
	if m.Section != section {
		return Metadata{}, cacheerr.Corrupted(section, "metadata belongs to %q", m.Section)
	}
	if m.Chunked && m.TotalChunks < 1 {
		return Metadata{}, cacheerr.Corrupted(section, "chunked metadata with totalChunks=%d", m.TotalChunks)
	}
	return m, nil
}

// ValidateSection 按 chunk.CheckName 的规则校验 section 名称。
func ValidateSection(section string) error {
	if err := chunk.CheckName(section); err != nil {
		if len(section) > MaxSectionLength {
			section = section[:32] + "..."
		}
		return cacheerr.InvalidSection(section, err.Error())
	}
	return nil
}
