package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

// ProgressFunc 报告已接收字节数；total 为 -1 表示上游未提供 Content-Length。
type ProgressFunc func(received, total int64)

// Fetcher 获取完整响应体。ctx 取消时应尽快返回 ctx.Err()。
type Fetcher interface {
	Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error)
}

// HTTPFetcher 通过 GET 拉取数据，按 32 KiB 分段读取以便汇报进度与响应取消。
// 响应体没有总时长限制，只要求相邻两次读取的间隔不超过 stall。
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	stall     time.Duration
}

// NewHTTPFetcher 创建 HTTPFetcher，client 为空时使用 NewHTTPClient(0)。
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	if userAgent == "" {
		userAgent = "catalog-cache"
	}
	return &HTTPFetcher{client: client, userAgent: userAgent, stall: DefaultTimeout}
}

// WithStallTimeout 设置响应体读取的空闲上限，<= 0 时使用 DefaultTimeout。
func (f *HTTPFetcher) WithStallTimeout(d time.Duration) *HTTPFetcher {
	if d <= 0 {
		d = DefaultTimeout
	}
	f.stall = d
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cacheerr.New(cacheerr.CodeDownloadFailed, "fetch", err).WithDetail("url", url)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, cacheerr.New(cacheerr.CodeDownloadFailed, "fetch", err).WithDetail("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, cacheerr.Newf(cacheerr.CodeDownloadFailed, "fetch", "upstream returned %s", resp.Status).
			WithDetail("url", url).
			WithDetail("status", resp.StatusCode)
	}

	// 读取停滞超过 stall 时中止请求
	var stalled atomic.Bool
	watchdog := time.AfterFunc(f.stall, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()
	onRead := func(received, size int64) {
		watchdog.Reset(f.stall)
		if progress != nil {
			progress(received, size)
		}
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	if _, err := copyWithContext(fetchCtx, &buf, resp.Body, total, onRead); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stalled.Load() {
			return nil, cacheerr.Newf(cacheerr.CodeDownloadFailed, "fetch", "no data received for %s", f.stall).
				WithDetail("url", url).
				WithDetail("received", buf.Len())
		}
		return nil, cacheerr.New(cacheerr.CodeDownloadFailed, "fetch", fmt.Errorf("read body: %w", err)).WithDetail("url", url)
	}
	if total > 0 && int64(buf.Len()) != total {
		return nil, cacheerr.Newf(cacheerr.CodeDownloadFailed, "fetch", "short body: got %d of %d bytes", buf.Len(), total).
			WithDetail("url", url)
	}
	return buf.Bytes(), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if progress != nil {
				progress(copied, total)
			}
		}
		if err != nil {
			if err == io.EOF {
				return copied, nil
			}
			return copied, err
		}
	}
}
