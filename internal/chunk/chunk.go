// Package chunk splits oversized serialized payloads into bounded, ordered
// parts and reassembles them, failing loudly when the set is incomplete.
package chunk

import (
	"bytes"
	"errors"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

// DefaultSize 为 5 MiB。
const DefaultSize = 5 * 1024 * 1024

// Separator 是分块 key 的保留片段，section 名称中不得出现。
const Separator = ":chunk:"

// MaxNameLength 限制 section 名称的字节数。
const MaxNameLength = 200

// CheckName 校验 section 名称能否安全地用作存储 key：非空、不超过 200 字节、
// 合法 UTF-8、不含控制字符，且不含保留片段 Separator。
func CheckName(name string) error {
	switch {
	case name == "":
		return errors.New("section name is empty")
	case len(name) > MaxNameLength:
		return errors.New("section name exceeds 200 bytes")
	case !utf8.ValidString(name):
		return errors.New("section name is not valid UTF-8")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.New("section name contains control characters")
		}
	}
	if strings.Contains(name, Separator) {
		return errors.New("section name contains reserved " + Separator)
	}
	return nil
}

// Chunk 是一段连续的序列化数据。
type Chunk struct {
	Key     string
	Section string
	Index   int
	Total   int
	Data    []byte
}

// Splitter 按固定大小切分。
type Splitter struct {
	Size int
}

// New 创建 Splitter，size <= 0 时使用 DefaultSize。
func New(size int) Splitter {
	if size <= 0 {
		size = DefaultSize
	}
	return Splitter{Size: size}
}

// ShouldChunk 当数据超过块大小时返回 true。
func (s Splitter) ShouldChunk(data []byte) bool {
	return len(data) > s.Size
}

// Count 返回 data 需要的块数，至少为 1。
func (s Splitter) Count(n int) int {
	if n <= s.Size {
		return 1
	}
	return (n + s.Size - 1) / s.Size
}

// Split 将 data 切成 ceil(len/Size) 块，最后一块可能较短；不超过块大小时返回单块。
func (s Splitter) Split(section string, data []byte) []Chunk {
	total := s.Count(len(data))
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * s.Size
		end := start + s.Size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{
			Key:     Key(section, i),
			Section: section,
			Index:   i,
			Total:   total,
			Data:    data[start:end],
		})
	}
	return chunks
}

// Merge 按 Index 排序并校验完整性后拼接。
func Merge(section string, chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, cacheerr.Corrupted(section, "no chunks to merge")
	}
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	total := sorted[0].Total
	if len(sorted) != total {
		return nil, cacheerr.Corrupted(section, "expected %d chunks, got %d", total, len(sorted)).
			WithDetail("totalChunks", total)
	}
	size := 0
	for i, c := range sorted {
		if c.Total != total {
			return nil, cacheerr.Corrupted(section, "chunk %d reports total %d, want %d", c.Index, c.Total, total)
		}
		if c.Index != i {
			return nil, cacheerr.Corrupted(section, "missing chunk %d", i).WithDetail("totalChunks", total)
		}
		size += len(c.Data)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	for _, c := range sorted {
		buf.Write(c.Data)
	}
	return buf.Bytes(), nil
}

// Key 返回 section 第 i 块的存储 key。
func Key(section string, i int) string {
	return section + Separator + strconv.Itoa(i)
}

// ParseKey 解析分块 key，非分块 key 返回 ok=false。
func ParseKey(key string) (section string, index int, ok bool) {
	pos := strings.LastIndex(key, Separator)
	if pos <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(key[pos+len(Separator):])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return key[:pos], index, true
}
