package main

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/cache"
	"github.com/hylde/hylde/internal/config"
	"github.com/hylde/hylde/internal/fetch"
	"github.com/hylde/hylde/internal/normalize"
	"github.com/hylde/hylde/internal/proxy"
	"github.com/hylde/hylde/internal/server"
	"github.com/hylde/hylde/internal/server/routes"
)

// service 持有进程内共享的组件，整站只构造一次。
type service struct {
	app    *fiber.App
	store  cache.Store
	orch   *fetch.Orchestrator
	logger *logrus.Logger
}

func newService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	store, err := cache.NewStore(cache.Options{
		Root:      cfg.Global.StoragePath,
		IndexPath: cfg.Global.IndexPath,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	router, err := backend.NewRouter(cfg, backend.Deps{
		HTTPClient: server.NewBackendClient(cfg),
		Logger:     logger,
		WorkPath:   cfg.Global.WorkPath,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	orch, err := fetch.New(fetch.Options{
		Store:      store,
		Resolver:   router,
		Normalizer: normalize.New(store.Root(), logger),
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	handler := proxy.NewHandler(store, orch, logger, cfg.Global.RetryAfter.DurationValue())
	app, err := server.NewApp(server.AppOptions{Logger: logger, Files: handler})
	if err != nil {
		store.Close()
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Stats:    store,
		InFlight: orch.Registry(),
		Backends: config.BackendSummary(cfg.Backends),
		Started:  time.Now(),
	})
	server.MountFallback(app)

	return &service{app: app, store: store, orch: orch, logger: logger}, nil
}

// shutdown 停止接收请求后等待下载单元结束；超时的单元不会被取消，其 key 在重启后重新下载。
func (s *service) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.orch.Shutdown(ctx); err != nil {
		s.logger.WithError(err).WithField("action", "shutdown").Warn("fetches_abandoned")
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
