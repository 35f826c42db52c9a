// Package metrics 声明进程级 Prometheus 指标，由 /-/metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchResults 统计结束的下载单元，按后端与结果分类。
	FetchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hylde_fetch_results_total",
		Help: "Finished fetch units, labelled by backend and outcome (ready, failed, empty, error, panic, skipped, recovered)",
	}, []string{"backend", "outcome"})

	// FetchDuration 记录下载单元从准入到结束的耗时。
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hylde_fetch_duration_seconds",
		Help:    "Wall time of a fetch unit from admission to End",
		Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"backend"})

	// FetchesInFlight 是当前运行中的下载单元数。
	FetchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hylde_fetches_in_flight",
		Help: "Number of fetch units currently running",
	})

	// Requests 统计 /file 请求，按处理决策分类。
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hylde_file_requests_total",
		Help: "Requests to /file, labelled by decision (serve, in_flight, launched, failed, healed, bad_request, unmatched, error)",
	}, []string{"decision"})
)

// FetchResults 的 outcome 标签取值。
const (
	OutcomeReady     = "ready"
	OutcomeFailed    = "failed"
	OutcomeEmpty     = "empty"
	OutcomeError     = "error"
	OutcomePanic     = "panic"
	OutcomeSkipped   = "skipped"
	OutcomeRecovered = "recovered"
)
