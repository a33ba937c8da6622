package routes

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/catalog-cache/internal/cache"
	"github.com/any-hub/catalog-cache/internal/download"
	"github.com/any-hub/catalog-cache/internal/priority"
	"github.com/any-hub/catalog-cache/internal/server"
	"github.com/any-hub/catalog-cache/internal/stats"
	"github.com/any-hub/catalog-cache/internal/storage"
)

// Engine 是 /api 路由依赖的引擎能力，由 engine.Engine 实现。
type Engine interface {
	SaveRaw(ctx context.Context, section string, raw []byte, ttl time.Duration) (cache.Metadata, error)
	Load(ctx context.Context, section string) (json.RawMessage, bool)
	Metadata(ctx context.Context, section string) (cache.Metadata, bool, error)
	Clear(ctx context.Context, section string) error
	ClearAll(ctx context.Context) error
	Sections(ctx context.Context) ([]string, error)
	Stats() stats.Snapshot
	Report() string
	Quota(ctx context.Context) (storage.Quota, error)
	Capabilities() storage.Capabilities
	CleanupLRU(ctx context.Context, targetBytes int64) ([]string, error)
	CleanupExpired(ctx context.Context) (int, error)
	DownloadSection(section, url string, p download.Priority) (download.QueueItem, error)
	PrioritizeSection(section string) bool
	CancelDownload(section string) bool
	CancelAll() int
	PriorityStatus() priority.Status
	CheckForUpdates(ctx context.Context, section, versionURL string) (bool, error)
	UpdateSection(ctx context.Context, section, url string) error
}

// RegisterAPIRoutes 在 /api 下暴露缓存引擎的消费者接口。
func RegisterAPIRoutes(app *fiber.App, eng Engine) {
	if app == nil || eng == nil {
		return
	}
	h := &handlers{eng: eng}
	api := app.Group("/api")

	api.Get("/sections", h.listSections)
	api.Delete("/sections", h.clearAll)
	api.Get("/sections/:name", h.loadSection)
	api.Put("/sections/:name", h.saveSection)
	api.Delete("/sections/:name", h.clearSection)
	api.Get("/sections/:name/metadata", h.sectionMetadata)

	api.Get("/stats", h.stats)
	api.Get("/quota", h.quota)
	api.Post("/maintenance/lru", h.cleanupLRU)
	api.Post("/maintenance/expired", h.cleanupExpired)

	api.Get("/downloads", h.listDownloads)
	api.Post("/downloads", h.enqueueDownload)
	api.Delete("/downloads", h.cancelAll)
	api.Delete("/downloads/:name", h.cancelDownload)
	api.Post("/downloads/:name/prioritize", h.prioritize)

	api.Post("/sync/:name/check", h.checkForUpdates)
	api.Post("/sync/:name/update", h.updateSection)
}

type handlers struct {
	eng Engine
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (h *handlers) listSections(c fiber.Ctx) error {
	sections, err := h.eng.Sections(requestContext(c))
	if err != nil {
		return server.RenderError(c, err)
	}
	if sections == nil {
		sections = []string{}
	}
	return c.JSON(fiber.Map{"sections": sections})
}

func (h *handlers) clearAll(c fiber.Ctx) error {
	if err := h.eng.ClearAll(requestContext(c)); err != nil {
		return server.RenderError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) loadSection(c fiber.Ctx) error {
	name := c.Params("name")
	data, ok := h.eng.Load(requestContext(c), name)
	if !ok {
		return server.RenderMessage(c, fiber.StatusNotFound, "section_not_found", "section "+name+" is not cached")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	return c.Send(data)
}

func (h *handlers) saveSection(c fiber.Ctx) error {
	name := c.Params("name")
	ttl, err := parseTTL(c.Query("ttl"))
	if err != nil {
		return server.RenderMessage(c, fiber.StatusBadRequest, "invalid_ttl", err.Error())
	}
	body := append([]byte(nil), c.Body()...)
	meta, err := h.eng.SaveRaw(requestContext(c), name, body, ttl)
	if err != nil {
		return server.RenderError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(meta)
}

// parseTTL 接受 Go duration 字符串或整数秒，空串表示使用默认 TTL。
func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return 0, errors.New("ttl must be a positive duration or number of seconds")
	}
	return time.Duration(seconds) * time.Second, nil
}

func (h *handlers) clearSection(c fiber.Ctx) error {
	if err := h.eng.Clear(requestContext(c), c.Params("name")); err != nil {
		return server.RenderError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) sectionMetadata(c fiber.Ctx) error {
	name := c.Params("name")
	meta, ok, err := h.eng.Metadata(requestContext(c), name)
	if err != nil {
		return server.RenderError(c, err)
	}
	if !ok {
		return server.RenderMessage(c, fiber.StatusNotFound, "section_not_found", "section "+name+" is not cached")
	}
	return c.JSON(fiber.Map{
		"metadata":  meta,
		"expiresAt": meta.ExpiresAt(),
		"expired":   meta.ExpiredAt(time.Now()),
	})
}

func (h *handlers) stats(c fiber.Ctx) error {
	switch strings.ToLower(c.Query("format")) {
	case "yaml":
		out, err := h.eng.Stats().YAML()
		if err != nil {
			return server.RenderError(c, err)
		}
		c.Set(fiber.HeaderContentType, "application/yaml")
		return c.Send(out)
	case "text":
		return c.SendString(h.eng.Report())
	default:
		return c.JSON(h.eng.Stats())
	}
}

func (h *handlers) quota(c fiber.Ctx) error {
	caps := h.eng.Capabilities()
	quota, err := h.eng.Quota(requestContext(c))
	if errors.Is(err, storage.ErrQuotaUnsupported) {
		return c.JSON(fiber.Map{"supported": false, "capabilities": caps})
	}
	if err != nil {
		return server.RenderError(c, err)
	}
	return c.JSON(fiber.Map{
		"supported":    true,
		"quota":        quota,
		"usageRatio":   quota.UsageRatio(),
		"capabilities": caps,
	})
}

func (h *handlers) cleanupLRU(c fiber.Ctx) error {
	target := int64(-1)
	if raw := strings.TrimSpace(c.Query("target")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return server.RenderMessage(c, fiber.StatusBadRequest, "invalid_target", "target must be a non-negative byte count")
		}
		target = parsed
	}
	evicted, err := h.eng.CleanupLRU(requestContext(c), target)
	if err != nil {
		return server.RenderError(c, err)
	}
	if evicted == nil {
		evicted = []string{}
	}
	return c.JSON(fiber.Map{"evicted": evicted})
}

func (h *handlers) cleanupExpired(c fiber.Ctx) error {
	removed, err := h.eng.CleanupExpired(requestContext(c))
	if err != nil {
		return server.RenderError(c, err)
	}
	return c.JSON(fiber.Map{"removed": removed})
}

func (h *handlers) listDownloads(c fiber.Ctx) error {
	status := h.eng.PriorityStatus()
	if status.Queue == nil {
		status.Queue = []download.QueueItem{}
	}
	return c.JSON(status)
}

type enqueueRequest struct {
	Section  string `json:"section"`
	URL      string `json:"url"`
	Priority string `json:"priority"`
}

func (h *handlers) enqueueDownload(c fiber.Ctx) error {
	var req enqueueRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return server.RenderMessage(c, fiber.StatusBadRequest, "invalid_body", err.Error())
	}
	p, err := download.ParsePriority(req.Priority)
	if err != nil {
		return server.RenderMessage(c, fiber.StatusBadRequest, "invalid_priority", err.Error())
	}
	item, err := h.eng.DownloadSection(req.Section, req.URL, p)
	if err != nil {
		return server.RenderError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(item)
}

func (h *handlers) cancelAll(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"cancelled": h.eng.CancelAll()})
}

func (h *handlers) cancelDownload(c fiber.Ctx) error {
	name := c.Params("name")
	if !h.eng.CancelDownload(name) {
		return server.RenderMessage(c, fiber.StatusNotFound, "download_not_found", "no cancellable download for "+name)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) prioritize(c fiber.Ctx) error {
	name := c.Params("name")
	if !h.eng.PrioritizeSection(name) {
		return server.RenderMessage(c, fiber.StatusNotFound, "download_not_found", "section "+name+" is not queued")
	}
	return c.JSON(h.eng.PriorityStatus())
}

func (h *handlers) checkForUpdates(c fiber.Ctx) error {
	name := c.Params("name")
	changed, err := h.eng.CheckForUpdates(requestContext(c), name, c.Query("versionUrl"))
	if err != nil {
		return server.RenderError(c, err)
	}
	return c.JSON(fiber.Map{"section": name, "changed": changed})
}

func (h *handlers) updateSection(c fiber.Ctx) error {
	if err := h.eng.UpdateSection(requestContext(c), c.Params("name"), c.Query("url")); err != nil {
		return server.RenderError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
