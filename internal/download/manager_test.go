package download

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/catalog-cache/internal/cache"
	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/events"
	"github.com/any-hub/catalog-cache/internal/stats"
)

type fetchFunc func(ctx context.Context, url string, attempt int, progress ProgressFunc) ([]byte, error)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	active  int
	maxSeen int
	handle  fetchFunc
}

func newFakeFetcher(handle fetchFunc) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), handle: handle}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	attempt := f.calls[url]
	f.order = append(f.order, url)
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	return f.handle(ctx, url, attempt, progress)
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type fakeSink struct {
	mu    sync.Mutex
	saved map[string][]byte
	ttls  map[string]time.Duration
	err   error
}

func newFakeSink() *fakeSink {
	return &fakeSink{saved: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (s *fakeSink) SaveRaw(_ context.Context, section string, raw []byte, ttl time.Duration) (cache.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return cache.Metadata{}, s.err
	}
	s.saved[section] = append([]byte(nil), raw...)
	s.ttls[section] = ttl
	return cache.Metadata{Section: section, SizeBytes: int64(len(raw)), TotalChunks: 1}, nil
}

func (s *fakeSink) get(section string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.saved[section]
	return data, ok
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) named(name events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type managerHarness struct {
	manager *Manager
	fetcher *fakeFetcher
	sink    *fakeSink
	tracker *stats.Tracker
	events  *recorder
	delays  []time.Duration
	mu      sync.Mutex
}

func newManagerHarness(t *testing.T, opts Options, handle fetchFunc) *managerHarness {
	t.Helper()
	h := &managerHarness{
		fetcher: newFakeFetcher(handle),
		sink:    newFakeSink(),
		tracker: stats.NewTracker(0),
		events:  &recorder{},
	}
	bus := events.NewBus(nil)
	bus.On(events.Any, h.events.record)

	opts.Fetcher = h.fetcher
	opts.Sink = h.sink
	opts.Bus = bus
	opts.Tracker = h.tracker
	m, err := NewManager(opts)
	require.NoError(t, err)
	m.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	h.manager = m
	t.Cleanup(m.Close)
	return h
}

func blockUntil(release <-chan struct{}) fetchFunc {
	return func(ctx context.Context, url string, _ int, _ ProgressFunc) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []byte(`{"url":"` + url + `"}`), nil
		}
	}
}

const eventually = 2 * time.Second

func TestManagerDownloadsAndSaves(t *testing.T) {
	h := newManagerHarness(t, Options{TTL: func(string) time.Duration { return time.Hour }},
		func(_ context.Context, _ string, _ int, progress ProgressFunc) ([]byte, error) {
			progress(5, 10)
			progress(5, 10)
			progress(10, 10)
			return []byte(`{"ok":true}`), nil
		})

	item, err := h.manager.Enqueue("products", "http://upstream/products", PriorityHigh)
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, PriorityHigh, item.Priority)

	require.Eventually(t, func() bool { return len(h.events.named(events.DownloadComplete)) == 1 }, eventually, time.Millisecond)
	data, ok := h.sink.get("products")
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, time.Hour, h.sink.ttls["products"])

	_, queued := h.manager.Item("products")
	assert.False(t, queued, "completed items are dequeued")
	assert.Len(t, h.events.named(events.DownloadQueued), 1)
	assert.Len(t, h.events.named(events.DownloadStart), 1)
	// 相同百分比只上报一次
	assert.Len(t, h.events.named(events.DownloadProgress), 2)
	assert.Equal(t, int64(1), h.tracker.Snapshot().Operations["download"].Count)
}

func TestManagerBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	h := newManagerHarness(t, Options{MaxConcurrent: 2}, blockUntil(release))

	for _, s := range []string{"a", "b", "c", "d"} {
		_, err := h.manager.Enqueue(s, "http://upstream/"+s, PriorityMedium)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(h.fetcher.started()) == 2 }, eventually, time.Millisecond)

	downloading := 0
	for _, item := range h.manager.Queue() {
		if item.Status == StatusDownloading {
			downloading++
		}
	}
	assert.Equal(t, 2, downloading)

	close(release)
	require.Eventually(t, func() bool { return len(h.events.named(events.DownloadComplete)) == 4 }, eventually, time.Millisecond)
	h.fetcher.mu.Lock()
	defer h.fetcher.mu.Unlock()
	assert.LessOrEqual(t, h.fetcher.maxSeen, 2)
}

func TestManagerStartsByPriorityThenFIFO(t *testing.T) {
	release := make(chan struct{})
	h := newManagerHarness(t, Options{MaxConcurrent: 1}, blockUntil(release))

	_, err := h.manager.Enqueue("first", "http://upstream/first", PriorityLow)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.fetcher.callsFor("http://upstream/first") == 1 }, eventually, time.Millisecond)

	for _, tc := range []struct {
		section  string
		priority Priority
	}{
		{"low", PriorityLow},
		{"high", PriorityHigh},
		{"medium-1", PriorityMedium},
		{"medium-2", PriorityMedium},
	} {
		_, err := h.manager.Enqueue(tc.section, "http://upstream/"+tc.section, tc.priority)
		require.NoError(t, err)
	}

	queue := h.manager.Queue()
	require.Len(t, queue, 5)
	assert.Equal(t, "high", queue[0].Section)

	close(release)
	require.Eventually(t, func() bool { return len(h.events.named(events.DownloadComplete)) == 5 }, eventually, time.Millisecond)
	assert.Equal(t, []string{
		"http://upstream/first",
		"http://upstream/high",
		"http://upstream/medium-1",
		"http://upstream/medium-2",
		"http://upstream/low",
	}, h.fetcher.started())
}

func TestManagerRetriesWithCappedBackoffThenFails(t *testing.T) {
	h := newManagerHarness(t, Options{
		MaxRetries: 4,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   250 * time.Millisecond,
	}, func(context.Context, string, int, ProgressFunc) ([]byte, error) {
		return nil, errors.New("connection reset")
	})

	_, err := h.manager.Enqueue("products", "http://upstream/products", PriorityMedium)
	require.NoError(t, err)

	item, err := h.manager.Wait(context.Background(), "products")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 4, item.Retries)
	assert.Equal(t, "connection reset", item.LastError)
	assert.Equal(t, 4, h.fetcher.callsFor("http://upstream/products"))

	h.mu.Lock()
	delays := append([]time.Duration(nil), h.delays...)
	h.mu.Unlock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}

	assert.Len(t, h.events.named(events.DownloadRetry), 3)
	failures := h.events.named(events.DownloadError)
	require.Len(t, failures, 1)
	assert.Equal(t, 4, failures[0].Data["retries"])
	assert.Equal(t, int64(1), h.tracker.Snapshot().Errors[cacheerr.CodeDownloadFailed])

	_, ok := h.sink.get("products")
	assert.False(t, ok)
}

func TestManagerRetrySucceeds(t *testing.T) {
	h := newManagerHarness(t, Options{MaxRetries: 3}, func(_ context.Context, _ string, attempt int, _ ProgressFunc) ([]byte, error) {
		if attempt < 3 {
			return nil, errors.New("flaky")
		}
		return []byte(`[1,2,3]`), nil
	})

	_, err := h.manager.Enqueue("s", "http://upstream/s", PriorityMedium)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := h.sink.get("s"); return ok }, eventually, time.Millisecond)
	assert.Len(t, h.events.named(events.DownloadRetry), 2)
	assert.Empty(t, h.events.named(events.DownloadError))
}

func TestManagerReenqueueResetsFailedItem(t *testing.T) {
	fail := true
	var mu sync.Mutex
	h := newManagerHarness(t, Options{MaxRetries: 1}, func(context.Context, string, int, ProgressFunc) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("down")
		}
		return []byte(`{}`), nil
	})

	first, err := h.manager.Enqueue("s", "http://upstream/s", PriorityLow)
	require.NoError(t, err)
	item, err := h.manager.Wait(context.Background(), "s")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, item.Status)

	mu.Lock()
	fail = false
	mu.Unlock()
	again, err := h.manager.Enqueue("s", "http://upstream/s", PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	require.Eventually(t, func() bool { _, ok := h.sink.get("s"); return ok }, eventually, time.Millisecond)
}

func TestManagerEnqueueDedupesAndOnlyRaisesPriority(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newManagerHarness(t, Options{MaxConcurrent: 1}, blockUntil(release))

	_, err := h.manager.Enqueue("busy", "http://upstream/busy", PriorityHigh)
	require.NoError(t, err)
	first, err := h.manager.Enqueue("s", "http://upstream/s", PriorityLow)
	require.NoError(t, err)

	raised, err := h.manager.Enqueue("s", "http://upstream/s", PriorityMedium)
	require.NoError(t, err)
	assert.Equal(t, first.ID, raised.ID)
	assert.Equal(t, PriorityMedium, raised.Priority)

	kept, err := h.manager.Enqueue("s", "http://upstream/s", PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, kept.Priority)
	assert.Len(t, h.manager.Queue(), 2)
	assert.Len(t, h.events.named(events.DownloadQueued), 2)
}

func TestManagerEnqueueValidation(t *testing.T) {
	h := newManagerHarness(t, Options{}, blockUntil(nil))

	_, err := h.manager.Enqueue("", "http://upstream/x", PriorityLow)
	assert.ErrorIs(t, err, cacheerr.ErrInvalidSection)
	_, err = h.manager.Enqueue("s", "ftp://upstream/x", PriorityLow)
	assert.ErrorIs(t, err, cacheerr.ErrDownloadFailed)

	h.manager.Close()
	_, err = h.manager.Enqueue("s", "http://upstream/x", PriorityLow)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManagerCancelAbortsAndRemoves(t *testing.T) {
	h := newManagerHarness(t, Options{}, blockUntil(nil))

	_, err := h.manager.Enqueue("s", "http://upstream/s", PriorityMedium)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.fetcher.callsFor("http://upstream/s") == 1 }, eventually, time.Millisecond)

	assert.True(t, h.manager.Cancel("s"))
	assert.False(t, h.manager.Cancel("s"))
	_, ok := h.manager.Item("s")
	assert.False(t, ok)

	cancelled := h.events.named(events.DownloadCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, true, cancelled[0].Data["wasActive"])

	_, err = h.manager.Wait(context.Background(), "s")
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestCancelledTransferNeverReachesStore(t *testing.T) {
	release := make(chan struct{})
	h := newManagerHarness(t, Options{}, func(context.Context, string, int, ProgressFunc) ([]byte, error) {
		// 忽略取消信号，模拟已经读完响应体的传输
		<-release
		return []byte(`{"stale":true}`), nil
	})

	_, err := h.manager.Enqueue("s", "http://upstream/s", PriorityMedium)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.fetcher.callsFor("http://upstream/s") == 1 }, eventually, time.Millisecond)
	require.True(t, h.manager.Cancel("s"))

	close(release)
	h.manager.Close()
	_, ok := h.sink.get("s")
	assert.False(t, ok)
	assert.Empty(t, h.events.named(events.DownloadComplete))
}

func TestManagerCancelAllEmptiesQueue(t *testing.T) {
	h := newManagerHarness(t, Options{MaxConcurrent: 1}, blockUntil(nil))
	for _, s := range []string{"a", "b", "c"} {
		_, err := h.manager.Enqueue(s, "http://upstream/"+s, PriorityLow)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.manager.CancelAll())
	assert.Empty(t, h.manager.Queue())
	assert.Len(t, h.events.named(events.DownloadCancelled), 3)
}

func TestManagerPreemptReturnsItemToPending(t *testing.T) {
	h := newManagerHarness(t, Options{MaxConcurrent: 1}, blockUntil(nil))

	_, err := h.manager.Enqueue("s", "http://upstream/s", PriorityLow)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.fetcher.callsFor("http://upstream/s") == 1 }, eventually, time.Millisecond)

	require.True(t, h.manager.Preempt("s"))
	item, ok := h.manager.Item("s")
	require.True(t, ok)
	assert.Equal(t, StatusPending, item.Status)
	assert.False(t, h.manager.Preempt("s"), "pending items cannot be preempted")

	h.manager.Resort()
	require.Eventually(t, func() bool { return h.fetcher.callsFor("http://upstream/s") == 2 }, eventually, time.Millisecond)
}

func TestManagerReprioritize(t *testing.T) {
	h := newManagerHarness(t, Options{MaxConcurrent: 1}, blockUntil(nil))
	for _, s := range []string{"a", "b"} {
		_, err := h.manager.Enqueue(s, "http://upstream/"+s, PriorityMedium)
		require.NoError(t, err)
	}
	h.manager.Reprioritize(func(section string, _ Priority) Priority {
		if section == "b" {
			return PriorityHigh
		}
		return PriorityLow
	})
	queue := h.manager.Queue()
	require.Len(t, queue, 2)
	assert.Equal(t, "b", queue[0].Section)
	assert.Equal(t, PriorityLow, queue[1].Priority)
}

func TestManagerSaveFailureMarksFailed(t *testing.T) {
	h := newManagerHarness(t, Options{}, func(context.Context, string, int, ProgressFunc) ([]byte, error) {
		return []byte(`{}`), nil
	})
	h.sink.err = cacheerr.Newf(cacheerr.CodeQuotaExceeded, "save", "full")

	_, err := h.manager.Enqueue("s", "http://upstream/s", PriorityMedium)
	require.NoError(t, err)
	item, err := h.manager.Wait(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Contains(t, item.LastError, "QUOTA_EXCEEDED")
}
