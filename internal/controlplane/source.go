package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/inference-failover/internal/cache"
)

// SnapshotKey is the cache key of the last successfully fetched document.
const SnapshotKey = "controlplane:backend_config"

// snapshotTTL bounds how long a persisted document may seed a cold start.
const snapshotTTL = 7 * 24 * time.Hour

// RefreshObserver receives the outcome of every refresh attempt.
type RefreshObserver interface {
	ConfigRefreshed(ok bool)
}

type snapshot struct {
	cfg     *BackendConfig
	expires time.Time
}

// Source serves the current BackendConfig. The remote document is fetched
// at most once per TTL; concurrent callers share one fetch. A failed fetch
// keeps the last good value and waits a full TTL before trying again.
type Source struct {
	seed    *BackendConfig
	fetcher Fetcher
	store   cache.Cache
	log     *slog.Logger
	obs     RefreshObserver
	now     func() time.Time

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithStore persists every fetched document and restores it on start.
func WithStore(c cache.Cache) SourceOption {
	return func(s *Source) { s.store = c }
}

func WithLogger(l *slog.Logger) SourceOption {
	return func(s *Source) { s.log = l }
}

func WithRefreshObserver(o RefreshObserver) SourceOption {
	return func(s *Source) { s.obs = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SourceOption {
	return func(s *Source) { s.now = now }
}

// NewSource validates seed and returns a Source. With a nil fetcher the seed
// is served forever. When a store holds a snapshot from a previous run it
// becomes the initial value, already marked stale so the first Current
// tries the control plane.
func NewSource(ctx context.Context, seed *BackendConfig, fetcher Fetcher, opts ...SourceOption) (*Source, error) {
	if err := seed.Validate(); err != nil {
		return nil, err
	}

	s := &Source{
		seed:    seed.Clone(),
		fetcher: fetcher,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	initial := &snapshot{cfg: s.seed}
	if fetcher != nil {
		if cfg, ok := s.restore(ctx); ok {
			initial.cfg = cfg
		}
	}
	s.current.Store(initial)

	return s, nil
}

// Current returns the config to use for one request. It never fails: on a
// refresh error the previous value is returned.
func (s *Source) Current(ctx context.Context) *BackendConfig {
	snap := s.current.Load()
	if s.fetcher == nil || s.now().Before(snap.expires) {
		return snap.cfg
	}

	v, _, _ := s.group.Do("refresh", func() (interface{}, error) {
		// Re-check: another caller may have refreshed while we waited.
		if cur := s.current.Load(); s.now().Before(cur.expires) {
			return cur.cfg, nil
		}
		cfg, _ := s.refresh(context.WithoutCancel(ctx))
		return cfg, nil
	})
	return v.(*BackendConfig)
}

// Refresh fetches immediately. It returns the config now in effect and the
// fetch or validation error, if any.
func (s *Source) Refresh(ctx context.Context) (*BackendConfig, error) {
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	return v.(*BackendConfig), err
}

// Invalidate marks the current value stale so the next Current refreshes.
func (s *Source) Invalidate() {
	for {
		cur := s.current.Load()
		next := &snapshot{cfg: cur.cfg}
		if s.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Seed returns the static config the remote document is overlaid on.
func (s *Source) Seed() *BackendConfig { return s.seed }

func (s *Source) refresh(ctx context.Context) (*BackendConfig, error) {
	prev := s.current.Load().cfg
	if s.fetcher == nil {
		return prev, nil
	}

	cfg, doc, err := s.fetch(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "config_refresh_failed", slog.String("error", err.Error()))
		s.observe(false)
		s.current.Store(&snapshot{cfg: prev, expires: s.now().Add(prev.TTL())})
		return prev, err
	}

	s.current.Store(&snapshot{cfg: cfg, expires: s.now().Add(cfg.TTL())})
	s.observe(true)
	s.persist(ctx, doc)

	s.log.DebugContext(ctx, "config_refreshed",
		slog.Int("fallbacks", len(cfg.Fallbacks)),
		slog.Bool("primary", cfg.Primary != nil),
		slog.Bool("auto_failover", cfg.AutoFailover),
	)
	return cfg, nil
}

func (s *Source) fetch(ctx context.Context) (*BackendConfig, *Document, error) {
	doc, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := doc.Apply(s.seed)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, doc, nil
}

func (s *Source) persist(ctx context.Context, doc *Document) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		s.log.WarnContext(ctx, "config_snapshot_encode_failed", slog.String("error", err.Error()))
		return
	}
	if err := s.store.Set(ctx, SnapshotKey, data, snapshotTTL); err != nil {
		s.log.WarnContext(ctx, "config_snapshot_store_failed", slog.String("error", err.Error()))
	}
}

func (s *Source) restore(ctx context.Context) (*BackendConfig, bool) {
	if s.store == nil {
		return nil, false
	}
	data, ok := s.store.Get(ctx, SnapshotKey)
	if !ok {
		return nil, false
	}

	doc, err := Decode(data, FormatJSON)
	if err == nil {
		var cfg *BackendConfig
		if cfg, err = doc.Apply(s.seed); err == nil {
			if err = cfg.Validate(); err == nil {
				s.log.InfoContext(ctx, "config_snapshot_restored", slog.Int("fallbacks", len(cfg.Fallbacks)))
				return cfg, true
			}
		}
	}
	s.log.WarnContext(ctx, "config_snapshot_invalid", slog.String("error", err.Error()))
	return nil, false
}

func (s *Source) observe(ok bool) {
	if s.obs != nil {
		s.obs.ConfigRefreshed(ok)
	}
}
