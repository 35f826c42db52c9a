// Package routes 注册 /-/ 前缀下的诊断接口。
package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hylde/hylde/internal/cache"
	"github.com/hylde/hylde/internal/inflight"
	"github.com/hylde/hylde/internal/version"
)

// StatsSource 提供缓存条目计数，cache.Store 满足该接口。
type StatsSource interface {
	Stats(ctx context.Context) (map[cache.State]int64, error)
}

// Diagnostics 汇总 /-/status 需要读取的运行时状态。
type Diagnostics struct {
	Stats    StatsSource
	InFlight *inflight.Registry
	Backends []string
	Started  time.Time
}

type statusPayload struct {
	Version  string                `json:"version"`
	Uptime   string                `json:"uptime"`
	Backends []string              `json:"backends"`
	Entries  map[cache.State]int64 `json:"entries"`
	InFlight []inflight.Record     `json:"in_flight"`
	Admitted int64                 `json:"admitted_total"`
	Rejected int64                 `json:"rejected_total"`
}

// RegisterDiagnostics 暴露 /-/status（JSON 快照）与 /-/metrics（Prometheus）。
func RegisterDiagnostics(app *fiber.App, diag Diagnostics) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Version:  version.Full(),
			Backends: append([]string{}, diag.Backends...),
			InFlight: []inflight.Record{},
		}
		if !diag.Started.IsZero() {
			payload.Uptime = time.Since(diag.Started).Truncate(time.Second).String()
		}
		if diag.InFlight != nil {
			payload.InFlight = diag.InFlight.Snapshot()
			payload.Admitted, payload.Rejected = diag.InFlight.Counters()
		}
		if diag.Stats != nil {
			entries, err := diag.Stats.Stats(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
			}
			payload.Entries = entries
		}
		return c.JSON(payload)
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
