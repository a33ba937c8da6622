package cache

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/chunk"
	"github.com/any-hub/catalog-cache/internal/compress"
	"github.com/any-hub/catalog-cache/internal/storage"
)

const deleteParallelism = 8

type record struct {
	key  string
	data []byte
}

// encodePayload 决定分块与压缩。分块基于原始序列化大小，每块独立压缩；
// 只要有一块压缩后不更小，整个 section 就以原文存储，保证 compressed 标记对所有块一致。
func (c *Cache) encodePayload(section string, raw []byte) ([]record, Metadata, error) {
	meta := Metadata{Section: section, SizeBytes: int64(len(raw)), Codec: compress.CodecNone, TotalChunks: 1}
	shouldCompress := c.compressor.ShouldCompress(raw)

	var records []record
	if c.splitter.ShouldChunk(raw) {
		chunks := c.splitter.Split(section, raw)
		meta.Chunked = true
		meta.TotalChunks = len(chunks)

		if shouldCompress {
			records = make([]record, 0, len(chunks))
			for _, ch := range chunks {
				out, ok, err := c.compressor.Compress(ch.Data)
				if err != nil {
					return nil, Metadata{}, cacheerr.WrapSection(err, cacheerr.CodeCompressionFailed, "compress", section)
				}
				if !ok {
					records = nil
					break
				}
				records = append(records, record{key: ch.Key, data: out})
			}
			meta.Compressed = records != nil
		}
		if records == nil {
			records = make([]record, 0, len(chunks))
			for _, ch := range chunks {
				records = append(records, record{key: ch.Key, data: ch.Data})
			}
		}
	} else {
		data := raw
		if shouldCompress {
			out, ok, err := c.compressor.Compress(raw)
			if err != nil {
				return nil, Metadata{}, cacheerr.WrapSection(err, cacheerr.CodeCompressionFailed, "compress", section)
			}
			if ok {
				data = out
				meta.Compressed = true
			}
		}
		records = []record{{key: section, data: data}}
	}

	if meta.Compressed {
		meta.Codec = c.compressor.Codec()
	}
	for _, rec := range records {
		meta.StoredBytes += int64(len(rec.data))
	}
	return records, meta, nil
}

// readPayload 按 metadata 重建序列化数据：读取全部块，逐块解压，再校验并拼接。
func (c *Cache) readPayload(ctx context.Context, meta Metadata) ([]byte, error) {
	if !meta.Chunked {
		data, err := c.getRecord(ctx, meta, meta.Section)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, cacheerr.Corrupted(meta.Section, "payload record missing")
		}
		return c.finishPayload(meta, data)
	}

	chunks := make([]chunk.Chunk, 0, meta.TotalChunks)
	for i := 0; i < meta.TotalChunks; i++ {
		key := chunk.Key(meta.Section, i)
		data, err := c.getRecord(ctx, meta, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		chunks = append(chunks, chunk.Chunk{Key: key, Section: meta.Section, Index: i, Total: meta.TotalChunks, Data: data})
	}
	merged, err := chunk.Merge(meta.Section, chunks)
	if err != nil {
		return nil, err
	}
	if !json.Valid(merged) {
		return nil, cacheerr.Corrupted(meta.Section, "reassembled payload is not valid JSON")
	}
	return merged, nil
}

// getRecord 读取单条 payload 并按需解压；记录不存在时返回 (nil, nil)。
func (c *Cache) getRecord(ctx context.Context, meta Metadata, key string) ([]byte, error) {
	data, err := c.adapter.Get(ctx, storage.StoreSections, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cacheerr.WrapSection(err, cacheerr.CodeStorageUnavailable, "load", meta.Section)
	}
	if !meta.Compressed {
		return data, nil
	}
	out, err := c.compressor.Decompress(meta.Codec, data)
	if err != nil {
		var coded *cacheerr.Error
		if errors.As(err, &coded) && coded.Section == "" {
			coded.WithSection(meta.Section).WithDetail("key", key)
		}
		return nil, err
	}
	return out, nil
}

func (c *Cache) finishPayload(meta Metadata, data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, cacheerr.Corrupted(meta.Section, "payload is not valid JSON").WithDetail("compressed", meta.Compressed)
	}
	return data, nil
}

// deleteKeys 并发删除 payload 记录。
func (c *Cache) deleteKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteParallelism)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return c.adapter.Delete(gctx, storage.StoreSections, key)
		})
	}
	return g.Wait()
}
