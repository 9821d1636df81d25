// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    - external connections (Redis when needed)
//  2. initServices - metrics registry, request log
//  3. initBackends - breakers, adapters, backend config source, orchestrator
//  4. initGateway  - health checker, rate limiter, HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/internal/cache"
	"github.com/nulpointcorp/inference-failover/internal/config"
	"github.com/nulpointcorp/inference-failover/internal/controlplane"
	"github.com/nulpointcorp/inference-failover/internal/failover"
	"github.com/nulpointcorp/inference-failover/internal/logger"
	"github.com/nulpointcorp/inference-failover/internal/metrics"
	"github.com/nulpointcorp/inference-failover/internal/providers/factory"
	"github.com/nulpointcorp/inference-failover/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb   *redis.Client
	chLog *logger.ClickHouseSink

	reqLogger *logger.Logger
	memCache  *cache.MemoryCache
	prom      *metrics.Registry

	breakers *breaker.Registry
	adapters *factory.Factory
	source   *controlplane.Source
	watcher  *controlplane.FileFetcher
	orch     *failover.Orchestrator

	health *proxy.HealthChecker
	gw     *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"backends", a.initBackends},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	seed := a.source.Seed()
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("primary", seed.Primary != nil),
		slog.Int("fallbacks", len(seed.Fallbacks)),
		slog.Bool("control_plane", a.cfg.ControlPlane.Enabled()),
		slog.String("snapshot_store", a.cfg.SnapshotStore),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Watch(gctx, a.source.Invalidate)
		})
	}

	a.health.Start()

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times from the same goroutine.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.chLog != nil {
		if err := a.chLog.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chLog = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error, callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}
