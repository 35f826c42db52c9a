// Package proxy 实现 /file 请求的决策：命中即返回文件，缺失则触发后台下载并让
// 客户端稍后重试，失败条目保持失败直到被显式失效。
package proxy

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/cache"
	"github.com/hylde/hylde/internal/fetch"
	"github.com/hylde/hylde/internal/logging"
	"github.com/hylde/hylde/internal/metrics"
	"github.com/hylde/hylde/internal/server"
	"github.com/hylde/hylde/internal/urlkey"
)

// Fetcher 是 Handler 对下载编排器的依赖，fetch.Orchestrator 满足该接口。
type Fetcher interface {
	Active(key string) bool
	Launch(url, key string) (bool, error)
}

// Handler 处理 GET/DELETE /file。
type Handler struct {
	store      cache.Store
	fetcher    Fetcher
	logger     *logrus.Logger
	retryAfter time.Duration
}

// NewHandler 构造 /file 处理器，retryAfter 写入 429/503 响应的 Retry-After。
func NewHandler(store cache.Store, fetcher Fetcher, logger *logrus.Logger, retryAfter time.Duration) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	if retryAfter <= 0 {
		retryAfter = 10 * time.Second
	}
	return &Handler{
		store:      store,
		fetcher:    fetcher,
		logger:     logger,
		retryAfter: retryAfter,
	}
}

type decision int

const (
	decisionRetryInFlight decision = iota
	decisionLaunch
	decisionFailed
	decisionServe
	decisionHealMissing
)

func (d decision) String() string {
	switch d {
	case decisionRetryInFlight:
		return "in_flight"
	case decisionLaunch:
		return "launched"
	case decisionFailed:
		return "failed"
	case decisionServe:
		return "serve"
	case decisionHealMissing:
		return "healed"
	default:
		return "unknown"
	}
}

// decide 按优先级给出处理方式：进行中 > 缺失 > 失败 > 就绪。
func decide(inFlight bool, entry cache.Entry, artifactExists bool) decision {
	switch {
	case inFlight:
		return decisionRetryInFlight
	case entry.State == cache.StateFailed:
		return decisionFailed
	case entry.State == cache.StateReady && artifactExists:
		return decisionServe
	case entry.State == cache.StateReady:
		return decisionHealMissing
	default:
		return decisionLaunch
	}
}

type request struct {
	url       string
	key       string
	requestID string
	started   time.Time
}

// Get 处理 GET /file?url=。
func (h *Handler) Get(c fiber.Ctx) error {
	req, ok := h.parse(c)
	if !ok {
		return nil
	}

	// in-flight 检查在读取缓存之前，下载期间不访问索引。
	inFlight := h.fetcher.Active(req.key)

	var (
		entry    cache.Entry
		fullPath string
		exists   bool
	)
	if !inFlight {
		var err error
		entry, err = h.store.Get(requestContext(c), req.key)
		if err != nil {
			return h.fail(c, req, fiber.StatusInternalServerError, "cache_unavailable", err)
		}
		if entry.State == cache.StateReady {
			fullPath, exists = h.artifact(entry)
		}
	}

	switch d := decide(inFlight, entry, exists); d {
	case decisionRetryInFlight:
		return h.retryLater(c, req, fiber.StatusTooManyRequests, d)
	case decisionLaunch:
		return h.launch(c, req)
	case decisionFailed:
		h.logResult(req, d.String(), fiber.StatusInternalServerError, nil)
		metrics.Requests.WithLabelValues(d.String()).Inc()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "download_failed"})
	case decisionServe:
		return h.serve(c, req, entry.Path, fullPath)
	default:
		return h.heal(c, req, entry.Path)
	}
}

// Delete 处理 DELETE /file?url=，删除条目与产物，使下一次 GET 重新下载。
func (h *Handler) Delete(c fiber.Ctx) error {
	req, ok := h.parse(c)
	if !ok {
		return nil
	}

	if h.fetcher.Active(req.key) {
		h.logResult(req, "invalidate_in_flight", fiber.StatusConflict, nil)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "in_flight"})
	}
	if err := h.store.Delete(requestContext(c), req.key); err != nil {
		return h.fail(c, req, fiber.StatusInternalServerError, "cache_unavailable", err)
	}

	h.logResult(req, "invalidated", fiber.StatusNoContent, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) parse(c fiber.Ctx) (request, bool) {
	req := request{requestID: server.RequestID(c), started: time.Now()}

	normalized, key, err := urlkey.Parse(c.Query("url"))
	if err != nil {
		req.url = c.Query("url")
		h.logResult(req, "bad_request", fiber.StatusBadRequest, err)
		metrics.Requests.WithLabelValues("bad_request").Inc()
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url"})
		return req, false
	}

	req.url, req.key = normalized, key
	c.Set("X-Hylde-Key", key)
	return req, true
}

func (h *Handler) launch(c fiber.Ctx, req request) error {
	_, err := h.fetcher.Launch(req.url, req.key)
	switch {
	case errors.Is(err, backend.ErrNoRoute):
		h.logResult(req, "unmatched", fiber.StatusUnprocessableEntity, err)
		metrics.Requests.WithLabelValues("unmatched").Inc()
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "backend_unmatched"})
	case errors.Is(err, fetch.ErrShuttingDown):
		return h.retryLater(c, req, fiber.StatusServiceUnavailable, decisionLaunch)
	case err != nil:
		return h.fail(c, req, fiber.StatusInternalServerError, "launch_failed", err)
	}
	// 无论本次是否赢得准入，都有一个下载单元在处理该 key。
	return h.retryLater(c, req, fiber.StatusTooManyRequests, decisionLaunch)
}

// heal 删除指向缺失产物的条目。只有条目仍指向 stalePath 时才删除，
// 以免误删并发请求自愈后新下载写入的条目。
func (h *Handler) heal(c fiber.Ctx, req request, stalePath string) error {
	removed, err := h.store.DeleteMissing(requestContext(c), req.key, stalePath)
	if err != nil {
		return h.fail(c, req, fiber.StatusInternalServerError, "cache_unavailable", err)
	}
	h.logger.WithFields(logrus.Fields{
		"action":  "self_heal",
		"key":     req.key,
		"url":     req.url,
		"path":    stalePath,
		"removed": removed,
	}).Warn("artifact_missing")
	return h.retryLater(c, req, fiber.StatusServiceUnavailable, decisionHealMissing)
}

func (h *Handler) serve(c fiber.Ctx, req request, relPath, fullPath string) error {
	file, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		// stat 与 open 之间被删除。
		return h.heal(c, req, relPath)
	}
	if err != nil {
		return h.fail(c, req, fiber.StatusInternalServerError, "artifact_unreadable", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return h.fail(c, req, fiber.StatusInternalServerError, "artifact_unreadable", err)
	}

	c.Attachment(filepath.Base(fullPath))
	c.Set("X-Hylde-Cache-Hit", "true")
	c.Status(fiber.StatusOK)
	metrics.Requests.WithLabelValues(decisionServe.String()).Inc()
	h.logResult(req, decisionServe.String(), fiber.StatusOK, nil)

	if c.Method() == fiber.MethodHead {
		file.Close()
		c.Response().Header.SetContentLength(int(info.Size()))
		return nil
	}
	return c.SendStream(file, int(info.Size()))
}

// artifact 解析 ready 条目的绝对路径并确认其为常规文件。
func (h *Handler) artifact(entry cache.Entry) (string, bool) {
	full, err := h.store.ArtifactPath(entry.Path)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return full, false
	}
	return full, true
}

func (h *Handler) retryLater(c fiber.Ctx, req request, status int, d decision) error {
	seconds := int(h.retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
	metrics.Requests.WithLabelValues(d.String()).Inc()
	h.logResult(req, d.String(), status, nil)
	return c.SendStatus(status)
}

func (h *Handler) fail(c fiber.Ctx, req request, status int, code string, err error) error {
	metrics.Requests.WithLabelValues("error").Inc()
	h.logResult(req, code, status, err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(req request, outcome string, status int, err error) {
	fields := logging.RequestFields(req.key, req.url, outcome, status)
	fields["action"] = "file_request"
	fields["elapsed_ms"] = time.Since(req.started).Milliseconds()
	if req.requestID != "" {
		fields["request_id"] = req.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if status >= fiber.StatusInternalServerError {
			h.logger.WithFields(fields).Error("file_request_failed")
			return
		}
	}
	h.logger.WithFields(fields).Info("file_request")
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
