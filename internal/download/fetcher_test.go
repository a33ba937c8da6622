package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/catalog-cache/internal/cacheerr"
)

func TestHTTPFetcherReadsBodyAndReportsProgress(t *testing.T) {
	body := `{"items":[` + strings.Repeat(`"x",`, 20000) + `"y"]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("unexpected accept header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	var last, total int64
	calls := 0
	fetcher := NewHTTPFetcher(server.Client(), "")
	data, err := fetcher.Fetch(context.Background(), server.URL, func(received, size int64) {
		calls++
		last, total = received, size
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(data) != body {
		t.Fatalf("body mismatch: got %d bytes", len(data))
	}
	if calls < 2 {
		t.Fatalf("expected multiple progress callbacks for a %d byte body, got %d", len(body), calls)
	}
	if last != int64(len(body)) || total != int64(len(body)) {
		t.Fatalf("final progress %d/%d, want %d/%d", last, total, len(body), len(body))
	}
}

func TestHTTPFetcherReportsUnknownTotalWithoutContentLength(t *testing.T) {
	body := `{"items":[` + strings.Repeat(`"x",`, 20000) + `"y"]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body[:1024]))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(body[1024:]))
	}))
	defer server.Close()

	var last, total int64
	data, err := NewHTTPFetcher(server.Client(), "").Fetch(context.Background(), server.URL, func(received, size int64) {
		last, total = received, size
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(data) != body {
		t.Fatalf("body mismatch: got %d bytes", len(data))
	}
	if last != int64(len(body)) || total != -1 {
		t.Fatalf("final progress %d/%d, want %d/-1", last, total, len(body))
	}
}

func TestHTTPFetcherAllowsSlowSteadyBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			_, _ = w.Write([]byte(strings.Repeat("a", 512)))
			w.(http.Flusher).Flush()
			time.Sleep(40 * time.Millisecond)
		}
	}))
	defer server.Close()

	// 总耗时约 200ms，超过单次停滞上限，但每次读取间隔都在上限之内
	fetcher := NewHTTPFetcher(NewHTTPClient(150*time.Millisecond), "").WithStallTimeout(150 * time.Millisecond)
	data, err := fetcher.Fetch(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("steady body should not time out: %v", err)
	}
	if len(data) != 5*512 {
		t.Fatalf("expected %d bytes, got %d", 5*512, len(data))
	}
}

func TestHTTPFetcherAbortsStalledBody(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[`))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	fetcher := NewHTTPFetcher(server.Client(), "").WithStallTimeout(50 * time.Millisecond)
	_, err := fetcher.Fetch(context.Background(), server.URL, nil)
	if !errors.Is(err, cacheerr.ErrDownloadFailed) {
		t.Fatalf("expected download failure for stalled body, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("stall should not surface as caller cancellation: %v", err)
	}
}

func TestHTTPFetcherRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPFetcher(server.Client(), "test").Fetch(context.Background(), server.URL, nil)
	if !errors.Is(err, cacheerr.ErrDownloadFailed) {
		t.Fatalf("expected download failure, got %v", err)
	}
	var coded *cacheerr.Error
	if !errors.As(err, &coded) || coded.Details["status"] != http.StatusBadGateway {
		t.Fatalf("expected status detail, got %v", err)
	}
}

func TestHTTPFetcherHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPFetcher(server.Client(), "").Fetch(ctx, server.URL, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestNewHTTPClientBoundsOnlyResponseHeaders(t *testing.T) {
	client := NewHTTPClient(0)
	if client.Timeout != 0 {
		t.Fatalf("client must not cap body reads, got %s", client.Timeout)
	}
	if got := client.Transport.(*http.Transport).ResponseHeaderTimeout; got != DefaultTimeout {
		t.Fatalf("expected default header timeout, got %s", got)
	}
	if got := NewHTTPClient(time.Second).Transport.(*http.Transport).ResponseHeaderTimeout; got != time.Second {
		t.Fatalf("expected explicit header timeout, got %s", got)
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{"low": PriorityLow, "": PriorityMedium, " High ": PriorityHigh}
	for raw, want := range cases {
		got, err := ParsePriority(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}
