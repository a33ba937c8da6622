// Package compress applies reversible size reduction to serialized payloads
// above a threshold. Output is kept only when strictly smaller than the input.
package compress

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

// Codec 标识压缩算法，会写入元数据以便读取时选择解码器。
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecZstd   Codec = "zstd"
)

// DefaultThreshold 为 1 KiB。
const DefaultThreshold = 1024

// ParseCodec 解析配置中的编解码器名称。
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case CodecNone, CodecSnappy, CodecZstd:
		return Codec(name), nil
	case "":
		return CodecSnappy, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", name)
	}
}

// Compressor 持有编解码器实例；零值不可用，请使用 New。
type Compressor struct {
	codec     Codec
	threshold int
	durable   bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New 创建 Compressor。durable 为 false 时（fallback 存储）ShouldCompress 恒为 false。
func New(codec Codec, threshold int, durable bool) (*Compressor, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	c := &Compressor{codec: codec, threshold: threshold, durable: durable}

	var err error
	c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, cacheerr.New(cacheerr.CodeCompressionFailed, "init", err)
	}
	c.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, cacheerr.New(cacheerr.CodeCompressionFailed, "init", err)
	}
	return c, nil
}

// Codec 返回当前写入时使用的编解码器。
func (c *Compressor) Codec() Codec {
	return c.codec
}

// Threshold 返回触发压缩的字节阈值。
func (c *Compressor) Threshold() int {
	return c.threshold
}

// ShouldCompress 当后端为 durable、编解码器非 none 且数据超过阈值时返回 true。
func (c *Compressor) ShouldCompress(data []byte) bool {
	return c.durable && c.codec != CodecNone && len(data) > c.threshold
}

// Compress 返回压缩结果；压缩后不更小时原样返回且 compressed 为 false。
func (c *Compressor) Compress(data []byte) ([]byte, bool, error) {
	var out []byte
	switch c.codec {
	case CodecNone:
		return data, false, nil
	case CodecSnappy:
		out = snappy.Encode(nil, data)
	case CodecZstd:
		out = c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	default:
		return nil, false, cacheerr.Newf(cacheerr.CodeCompressionFailed, "compress", "unsupported codec %q", c.codec)
	}
	if len(out) >= len(data) {
		return data, false, nil
	}
	return out, true, nil
}

// Decompress 按 codec 解码。解码失败时若数据本身是合法 JSON 则视为未压缩直接返回，
// 否则返回 CorruptedData。
func (c *Compressor) Decompress(codec Codec, data []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch codec {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		out, err = snappy.Decode(nil, data)
	case CodecZstd:
		out, err = c.decoder.DecodeAll(data, nil)
	default:
		err = fmt.Errorf("unsupported codec %q", codec)
	}
	if err == nil {
		return out, nil
	}
	if json.Valid(data) {
		return data, nil
	}
	return nil, cacheerr.New(cacheerr.CodeCorruptedData, "decompress", err).WithDetail("codec", string(codec))
}

// Close 释放 zstd 编解码器持有的 goroutine。
func (c *Compressor) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
