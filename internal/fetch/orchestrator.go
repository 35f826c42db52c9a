// Package fetch 负责单飞下载：每个被接纳的 key 在独立 goroutine 中完成
// 路由 → 下载 → 归一化 → 写缓存，结束时无论成败都会注销 in-flight 记录。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/cache"
	"github.com/hylde/hylde/internal/inflight"
	"github.com/hylde/hylde/internal/logging"
	"github.com/hylde/hylde/internal/metrics"
)

// ErrShuttingDown 表示进程正在关停，不再接纳新的下载。
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Resolver 根据 URL 选择后端，backend.Router 满足该接口。
type Resolver interface {
	Resolve(url string) (backend.Match, error)
}

// Normalizer 把后端结果转换为待写入的条目，normalize.Normalizer 满足该接口。
type Normalizer interface {
	Normalize(key, url string, res backend.Result) (*cache.Entry, error)
}

// Options 汇总 Orchestrator 的协作者。
type Options struct {
	Store      cache.Store
	Resolver   Resolver
	Normalizer Normalizer
	Registry   *inflight.Registry
	Logger     *logrus.Logger
}

// Orchestrator 管理后台下载单元，可被多个请求并发调用。
type Orchestrator struct {
	store      cache.Store
	resolver   Resolver
	normalizer Normalizer
	registry   *inflight.Registry
	logger     *logrus.Entry

	// mu 保证 closing 检查与 wg.Add 不会和 Shutdown 交错。
	mu      sync.RWMutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New 创建 Orchestrator；Registry 为空时内部新建。
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Resolver == nil || opts.Normalizer == nil {
		return nil, errors.New("fetch: store, resolver and normalizer are required")
	}
	registry := opts.Registry
	if registry == nil {
		registry = inflight.New()
	}
	return &Orchestrator{
		store:      opts.Store,
		resolver:   opts.Resolver,
		normalizer: opts.Normalizer,
		registry:   registry,
		logger:     logging.Component(opts.Logger, "fetch"),
	}, nil
}

// Launch 为 key 启动下载并立即返回。路由失败同步返回 backend.ErrNoRoute 且不登记；
// key 已在下载中时返回 false, nil。
func (o *Orchestrator) Launch(url, key string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closing.Load() {
		return false, ErrShuttingDown
	}

	match, err := o.resolver.Resolve(url)
	if err != nil {
		return false, err
	}

	rec, ok := o.registry.TryBegin(key, url)
	if !ok {
		return false, nil
	}

	o.wg.Add(1)
	metrics.FetchesInFlight.Inc()
	go o.run(rec, match)
	return true, nil
}

// Active 报告 key 是否有正在运行的下载单元。
func (o *Orchestrator) Active(key string) bool {
	return o.registry.Active(key)
}

// Registry 暴露底层注册表，供诊断接口读取计数。
func (o *Orchestrator) Registry() *inflight.Registry {
	return o.registry
}

// Wait 阻塞直到所有已启动的下载单元结束。
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown 停止接纳新下载并等待现有单元结束，ctx 到期时返回其错误。
// 进行中的下载不会被取消。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing.Store(true)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d fetches still running: %w", o.registry.Len(), ctx.Err())
	}
}

func (o *Orchestrator) run(rec *inflight.Record, match backend.Match) {
	key, url := rec.Key, rec.URL
	log := o.logger.WithFields(logging.FetchFields(key, url, match.Name))
	started := time.Now()

	defer func() {
		o.registry.End(key)
		metrics.FetchesInFlight.Dec()
		metrics.FetchDuration.WithLabelValues(match.Name).Observe(time.Since(started).Seconds())
		o.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			metrics.FetchResults.WithLabelValues(match.Name, metrics.OutcomePanic).Inc()
			log.WithField("panic", r).Error("fetch_panic")
		}
	}()

	outcome := o.execute(context.Background(), key, url, match, log)
	metrics.FetchResults.WithLabelValues(match.Name, outcome).Inc()
}

func (o *Orchestrator) execute(ctx context.Context, key, url string, match backend.Match, log *logrus.Entry) string {
	current, err := o.store.Get(ctx, key)
	if err != nil {
		log.WithError(err).Error("fetch_store_unavailable")
		return metrics.OutcomeError
	}
	if current.State != cache.StateAbsent {
		// 另一个单元在请求检查与准入之间已经完成。
		log.WithField("state", current.State).Debug("fetch_skipped")
		return metrics.OutcomeSkipped
	}

	if entry, recovered, err := o.store.Recover(ctx, key, url); err != nil {
		log.WithError(err).Warn("fetch_recover_failed")
	} else if recovered {
		log.WithField("path", entry.Path).Info("fetch_recovered")
		return metrics.OutcomeRecovered
	}

	log.Info("fetch_started")
	res, err := match.Backend.Fetch(ctx, url, key)
	if err != nil {
		log.WithError(err).Error("fetch_backend_error")
		return metrics.OutcomeError
	}

	entry, err := o.normalizer.Normalize(key, url, res)
	if err != nil {
		log.WithError(err).Error("fetch_normalize_failed")
		return metrics.OutcomeError
	}
	if cleaner, ok := match.Backend.(backend.Cleaner); ok {
		if err := cleaner.Cleanup(key); err != nil {
			log.WithError(err).Warn("fetch_cleanup_failed")
		}
	}
	if entry == nil {
		log.Warn("fetch_empty")
		return metrics.OutcomeEmpty
	}

	if err := o.store.Set(ctx, *entry); err != nil {
		log.WithError(err).Error("fetch_store_failed")
		return metrics.OutcomeError
	}

	log.WithFields(logrus.Fields{
		"state": entry.State,
		"path":  entry.Path,
	}).Info("fetch_finished")
	if entry.State == cache.StateFailed {
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeReady
}
