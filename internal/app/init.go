package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/internal/cache"
	"github.com/nulpointcorp/inference-failover/internal/controlplane"
	"github.com/nulpointcorp/inference-failover/internal/failover"
	"github.com/nulpointcorp/inference-failover/internal/logger"
	"github.com/nulpointcorp/inference-failover/internal/metrics"
	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/internal/providers/factory"
	"github.com/nulpointcorp/inference-failover/internal/proxy"
	"github.com/nulpointcorp/inference-failover/internal/ratelimit"
)

// snapshotPrefix namespaces the config snapshot inside a shared Redis.
const snapshotPrefix = "inference-failover:"

// initInfra establishes optional external connections. Redis is needed by
// the shared snapshot store and by the distributed rate limiter.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.SnapshotStore == "redis" ||
		(a.cfg.RateLimit.RPMLimit > 0 && a.cfg.Redis.URL != "")
	if !needRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the Prometheus registry and the async request log.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	opts := []logger.Option{logger.WithDropHook(a.prom.RequestLogDropped)}
	if a.cfg.ClickHouseDSN != "" {
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		a.chLog = sink
		opts = append(opts, logger.WithSink(sink))
		a.log.Info("request log sink: clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouseDSN)))
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, opts...)
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initBackends builds everything the failover path needs: one breaker per
// backend, lazily created adapters, the backend config source and the
// orchestrator tying them together.
func (a *App) initBackends(ctx context.Context) error {
	a.breakers = breaker.NewRegistry(a.cfg.BreakerConfig(), breaker.WithObserver(a.prom))

	a.adapters = factory.New(a.baseCtx, factory.Options{
		Logger:                   a.log,
		AnthropicMaxOutputTokens: a.cfg.AnthropicMaxOutputTokens,
	})

	var fetcher controlplane.Fetcher
	switch {
	case a.cfg.ControlPlane.URL != "":
		fetcher = controlplane.NewHTTPFetcher(a.cfg.ControlPlane.URL, a.cfg.ControlPlane.Token)
		a.log.Info("backend config: control plane", slog.String("url", redactURL(a.cfg.ControlPlane.URL)))
	case a.cfg.ControlPlane.File != "":
		a.watcher = controlplane.NewFileFetcher(a.cfg.ControlPlane.File, a.log)
		fetcher = a.watcher
		a.log.Info("backend config: file", slog.String("path", a.cfg.ControlPlane.File))
	default:
		a.log.Info("backend config: static")
	}

	srcOpts := []controlplane.SourceOption{
		controlplane.WithLogger(a.log),
		controlplane.WithRefreshObserver(a.prom),
	}
	switch a.cfg.SnapshotStore {
	case "redis":
		srcOpts = append(srcOpts, controlplane.WithStore(cache.WithPrefix(cache.NewRedisCache(a.rdb), snapshotPrefix)))
		a.log.Info("snapshot store: redis")
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx)
		srcOpts = append(srcOpts, controlplane.WithStore(cache.WithPrefix(a.memCache, snapshotPrefix)))
		a.log.Info("snapshot store: memory (in-process)")
	case "none":
		a.log.Info("snapshot store: disabled")
	default:
		return fmt.Errorf("unknown snapshot store: %s", a.cfg.SnapshotStore)
	}

	src, err := controlplane.NewSource(ctx, a.cfg.BackendConfig(), fetcher, srcOpts...)
	if err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	a.source = src

	a.orch = failover.New(src, a.adapters, a.breakers, failover.Options{
		Retry:              a.cfg.RetryConfig(),
		FallbackAttempts:   a.cfg.Failover.FallbackAttempts,
		FallbackTimeout:    a.cfg.Failover.FallbackTimeout,
		ProbePrimaryHealth: a.cfg.Primary.HealthProbe,
		Logger:             a.log,
		Metrics:            a.prom,
	})

	return nil
}

// initGateway wires the health checker, the rate limiter and the HTTP
// surface around the orchestrator.
func (a *App) initGateway(_ context.Context) error {
	hcOpts := []proxy.HealthOption{proxy.WithHealthObserver(a.prom)}
	if a.rdb != nil {
		hcOpts = append(hcOpts, proxy.WithStoreProbe(redisPinger(a.baseCtx, a.rdb)))
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, a.healthTargets, a.breakers, hcOpts...)

	var limiter ratelimit.Limiter
	switch {
	case a.cfg.RateLimit.RPMLimit <= 0:
	case a.rdb != nil:
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit), slog.String("mode", "redis"))
	default:
		limiter = ratelimit.NewLocalLimiter(a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit), slog.String("mode", "local"))
	}

	opts := proxy.GatewayOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		Limiter:        limiter,
		RequestLog:     a.reqLogger,
		Health:         a.health,
		CORSOrigins:    a.cfg.CORSOrigins,
		AdminJWTSecret: a.cfg.AdminJWTSecret,
	}
	if a.cfg.ControlPlane.Enabled() {
		opts.Config = a.source
	}
	if a.cfg.AdminJWTSecret == "" {
		a.log.Warn("admin routes are not authenticated; set ADMIN_JWT_SECRET")
	}

	a.gw = proxy.NewGateway(a.baseCtx, a.orch, opts)

	return nil
}

// healthTargets resolves the backends of the current config to adapters.
// Fallbacks without credentials have no adapter and are left out.
func (a *App) healthTargets(ctx context.Context) map[string]providers.Provider {
	cfg := a.source.Current(ctx)
	out := make(map[string]providers.Provider, len(cfg.Fallbacks)+1)

	if cfg.Primary != nil {
		if p, err := a.adapters.Primary(cfg.Primary); err == nil {
			out[failover.PrimaryBreaker] = p
		}
	}
	for _, fb := range cfg.Fallbacks {
		cred, ok := cfg.Credential(fb.Provider)
		if !ok {
			continue
		}
		p, err := a.adapters.Fallback(fb.Provider, cred)
		if err != nil {
			continue
		}
		out[fb.Backend()] = p
	}
	return out
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" becomes "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
