package routes

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/cache"
	"github.com/any-hub/catalog-cache/internal/cacheerr"
	"github.com/any-hub/catalog-cache/internal/download"
	"github.com/any-hub/catalog-cache/internal/priority"
	"github.com/any-hub/catalog-cache/internal/server"
	"github.com/any-hub/catalog-cache/internal/stats"
	"github.com/any-hub/catalog-cache/internal/storage"
)

type fakeEngine struct {
	data       map[string][]byte
	ttls       map[string]time.Duration
	queue      []download.QueueItem
	quotaErr   error
	lruTarget  int64
	cancelled  []string
	prioritize string
	checked    string
	updated    string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeEngine) SaveRaw(_ context.Context, section string, raw []byte, ttl time.Duration) (cache.Metadata, error) {
	if err := cache.ValidateSection(section); err != nil {
		return cache.Metadata{}, err
	}
	if !json.Valid(raw) {
		return cache.Metadata{}, cacheerr.Newf(cacheerr.CodeUnknown, "save", "invalid json")
	}
	f.data[section] = raw
	f.ttls[section] = ttl
	return cache.Metadata{Section: section, SizeBytes: int64(len(raw)), TTLSeconds: int64(ttl / time.Second)}, nil
}

func (f *fakeEngine) Load(_ context.Context, section string) (json.RawMessage, bool) {
	data, ok := f.data[section]
	return data, ok
}

func (f *fakeEngine) Metadata(_ context.Context, section string) (cache.Metadata, bool, error) {
	data, ok := f.data[section]
	if !ok {
		return cache.Metadata{}, false, nil
	}
	return cache.Metadata{Section: section, SizeBytes: int64(len(data)), Timestamp: time.Now().UnixMilli(), TTLSeconds: 60}, true, nil
}

func (f *fakeEngine) Clear(_ context.Context, section string) error {
	if err := cache.ValidateSection(section); err != nil {
		return err
	}
	delete(f.data, section)
	return nil
}

func (f *fakeEngine) ClearAll(context.Context) error {
	f.data = make(map[string][]byte)
	return nil
}

func (f *fakeEngine) Sections(context.Context) ([]string, error) {
	var out []string
	for name := range f.data {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeEngine) Stats() stats.Snapshot {
	return stats.Snapshot{Hits: 3, Misses: 1, HitRatio: 0.75}
}

func (f *fakeEngine) Report() string { return "lookups: 3 hits" }

func (f *fakeEngine) Quota(context.Context) (storage.Quota, error) {
	if f.quotaErr != nil {
		return storage.Quota{}, f.quotaErr
	}
	return storage.Quota{UsedBytes: 25, TotalBytes: 100, AvailableBytes: 75}, nil
}

func (f *fakeEngine) Capabilities() storage.Capabilities {
	return storage.Capabilities{Backend: "badger", Durable: true}
}

func (f *fakeEngine) CleanupLRU(_ context.Context, target int64) ([]string, error) {
	f.lruTarget = target
	return []string{"old"}, nil
}

func (f *fakeEngine) CleanupExpired(context.Context) (int, error) { return 2, nil }

func (f *fakeEngine) DownloadSection(section, url string, p download.Priority) (download.QueueItem, error) {
	if err := cache.ValidateSection(section); err != nil {
		return download.QueueItem{}, err
	}
	item := download.QueueItem{ID: "id-1", Section: section, URL: url, Priority: p, Status: download.StatusPending}
	f.queue = append(f.queue, item)
	return item, nil
}

func (f *fakeEngine) PrioritizeSection(section string) bool {
	for _, item := range f.queue {
		if item.Section == section {
			f.prioritize = section
			return true
		}
	}
	return false
}

func (f *fakeEngine) CancelDownload(section string) bool {
	for i, item := range f.queue {
		if item.Section == section {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			f.cancelled = append(f.cancelled, section)
			return true
		}
	}
	return false
}

func (f *fakeEngine) CancelAll() int {
	n := len(f.queue)
	f.queue = nil
	return n
}

func (f *fakeEngine) PriorityStatus() priority.Status {
	return priority.Status{Focus: f.prioritize, Queue: f.queue}
}

func (f *fakeEngine) CheckForUpdates(_ context.Context, section, _ string) (bool, error) {
	f.checked = section
	return true, nil
}

func (f *fakeEngine) UpdateSection(_ context.Context, section, _ string) error {
	if section == "broken" {
		return cacheerr.Newf(cacheerr.CodeDownloadFailed, "sync_update", "upstream down").WithSection(section)
	}
	f.updated = section
	return nil
}

func newAPI(t *testing.T) (*fiber.App, *fakeEngine) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := server.NewApp(server.AppOptions{Logger: logger, ListenPort: 5100})
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	eng := newFakeEngine()
	RegisterAPIRoutes(app, eng)
	return app, eng
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s %s failed: %v", method, target, err)
	}
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(out)
}

func TestSectionLifecycle(t *testing.T) {
	app, eng := newAPI(t)

	status, body := do(t, app, "PUT", "/api/sections/products?ttl=90", `{"items":[1,2]}`)
	if status != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", status, body)
	}
	if eng.ttls["products"] != 90*time.Second {
		t.Fatalf("expected ttl 90s, got %s", eng.ttls["products"])
	}

	status, body = do(t, app, "GET", "/api/sections/products", "")
	if status != fiber.StatusOK || body != `{"items":[1,2]}` {
		t.Fatalf("unexpected load response %d %s", status, body)
	}

	status, body = do(t, app, "GET", "/api/sections/products/metadata", "")
	if status != fiber.StatusOK || !strings.Contains(body, `"expired":false`) {
		t.Fatalf("unexpected metadata response %d %s", status, body)
	}

	status, body = do(t, app, "GET", "/api/sections", "")
	if status != fiber.StatusOK || !strings.Contains(body, `"products"`) {
		t.Fatalf("unexpected list response %d %s", status, body)
	}

	if status, _ = do(t, app, "DELETE", "/api/sections/products", ""); status != fiber.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", status)
	}
	status, body = do(t, app, "GET", "/api/sections/products", "")
	if status != fiber.StatusNotFound || !strings.Contains(body, "section_not_found") {
		t.Fatalf("expected 404 after delete, got %d %s", status, body)
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	app, _ := newAPI(t)

	status, body := do(t, app, "PUT", "/api/sections/products?ttl=soon", `{}`)
	if status != fiber.StatusBadRequest || !strings.Contains(body, "invalid_ttl") {
		t.Fatalf("expected invalid ttl, got %d %s", status, body)
	}

	status, body = do(t, app, "PUT", "/api/sections/"+strings.Repeat("x", 201), `{}`)
	if status != fiber.StatusBadRequest || !strings.Contains(body, string(cacheerr.CodeInvalidSection)) {
		t.Fatalf("expected invalid section, got %d %s", status, body)
	}
}

func TestStatsFormats(t *testing.T) {
	app, _ := newAPI(t)

	status, body := do(t, app, "GET", "/api/stats", "")
	if status != fiber.StatusOK || !strings.Contains(body, `"hitRatio":0.75`) {
		t.Fatalf("unexpected json stats %d %s", status, body)
	}
	_, body = do(t, app, "GET", "/api/stats?format=yaml", "")
	if !strings.Contains(body, "hits: 3") {
		t.Fatalf("unexpected yaml stats %s", body)
	}
	_, body = do(t, app, "GET", "/api/stats?format=text", "")
	if body != "lookups: 3 hits" {
		t.Fatalf("unexpected text stats %s", body)
	}
}

func TestQuotaAndMaintenance(t *testing.T) {
	app, eng := newAPI(t)

	status, body := do(t, app, "GET", "/api/quota", "")
	if status != fiber.StatusOK || !strings.Contains(body, `"usageRatio":0.25`) {
		t.Fatalf("unexpected quota %d %s", status, body)
	}
	eng.quotaErr = storage.ErrQuotaUnsupported
	_, body = do(t, app, "GET", "/api/quota", "")
	if !strings.Contains(body, `"supported":false`) {
		t.Fatalf("expected unsupported quota, got %s", body)
	}

	_, body = do(t, app, "POST", "/api/maintenance/lru?target=1024", "")
	if eng.lruTarget != 1024 || !strings.Contains(body, `"old"`) {
		t.Fatalf("unexpected lru response %s (target %d)", body, eng.lruTarget)
	}
	do(t, app, "POST", "/api/maintenance/lru", "")
	if eng.lruTarget != -1 {
		t.Fatalf("expected default target, got %d", eng.lruTarget)
	}
	if status, _ = do(t, app, "POST", "/api/maintenance/lru?target=-5", ""); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for negative target, got %d", status)
	}

	_, body = do(t, app, "POST", "/api/maintenance/expired", "")
	if !strings.Contains(body, `"removed":2`) {
		t.Fatalf("unexpected expired response %s", body)
	}
}

func TestDownloadRoutes(t *testing.T) {
	app, eng := newAPI(t)

	status, body := do(t, app, "POST", "/api/downloads", `{"section":"products","url":"http://upstream/products","priority":"high"}`)
	if status != fiber.StatusAccepted || !strings.Contains(body, `"priority":"HIGH"`) {
		t.Fatalf("unexpected enqueue response %d %s", status, body)
	}
	if status, _ = do(t, app, "POST", "/api/downloads", `{"section":"x","priority":"urgent"}`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for bad priority, got %d", status)
	}
	if status, _ = do(t, app, "POST", "/api/downloads", `not json`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", status)
	}

	status, body = do(t, app, "POST", "/api/downloads/products/prioritize", "")
	if status != fiber.StatusOK || !strings.Contains(body, `"focus":"products"`) {
		t.Fatalf("unexpected prioritize response %d %s", status, body)
	}
	if status, _ = do(t, app, "POST", "/api/downloads/missing/prioritize", ""); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 prioritizing unknown section, got %d", status)
	}

	_, body = do(t, app, "GET", "/api/downloads", "")
	if !strings.Contains(body, `"section":"products"`) {
		t.Fatalf("unexpected queue %s", body)
	}
	if status, _ = do(t, app, "DELETE", "/api/downloads/products", ""); status != fiber.StatusNoContent {
		t.Fatalf("expected 204 on cancel, got %d", status)
	}
	if status, _ = do(t, app, "DELETE", "/api/downloads/products", ""); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 on second cancel, got %d", status)
	}
	if len(eng.cancelled) != 1 {
		t.Fatalf("expected one cancellation, got %v", eng.cancelled)
	}

	do(t, app, "POST", "/api/downloads", `{"section":"a","url":"http://upstream/a"}`)
	_, body = do(t, app, "DELETE", "/api/downloads", "")
	if !strings.Contains(body, `"cancelled":1`) {
		t.Fatalf("unexpected cancel-all response %s", body)
	}
}

func TestPrioritizedSectionSurvivesLaterRequests(t *testing.T) {
	app, eng := newAPI(t)

	if status, body := do(t, app, "POST", "/api/downloads", `{"section":"alpha","url":"https://catalog.example.com/alpha"}`); status != fiber.StatusAccepted {
		t.Fatalf("enqueue failed: %d %s", status, body)
	}
	if status, body := do(t, app, "POST", "/api/downloads/alpha/prioritize", ""); status != fiber.StatusOK {
		t.Fatalf("prioritize failed: %d %s", status, body)
	}
	do(t, app, "DELETE", "/api/downloads/zzzzz", "")
	do(t, app, "POST", "/api/sync/omega/check", "")

	if eng.checked != "omega" {
		t.Fatalf("expected omega to be checked, got %q", eng.checked)
	}
	if focus := eng.PriorityStatus().Focus; focus != "alpha" {
		t.Fatalf("focus should stay alpha, got %q", focus)
	}
	if eng.queue[0].Section != "alpha" || eng.queue[0].URL != "https://catalog.example.com/alpha" {
		t.Fatalf("queued item changed after later requests: %+v", eng.queue[0])
	}
}

func TestSyncRoutes(t *testing.T) {
	app, eng := newAPI(t)

	_, body := do(t, app, "POST", "/api/sync/products/check", "")
	if !bytes.Contains([]byte(body), []byte(`"changed":true`)) || eng.checked != "products" {
		t.Fatalf("unexpected check response %s", body)
	}
	if status, _ := do(t, app, "POST", "/api/sync/products/update", ""); status != fiber.StatusNoContent || eng.updated != "products" {
		t.Fatalf("expected 204 on update, got %d", status)
	}
	status, body := do(t, app, "POST", "/api/sync/broken/update", "")
	if status != fiber.StatusBadGateway || !strings.Contains(body, "DOWNLOAD_FAILED") {
		t.Fatalf("expected 502 on failed update, got %d %s", status, body)
	}
}
