package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/internal/providers"
)

const healthProbeInterval = 30 * time.Second

// Component health labels.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
)

// TargetsFunc returns the adapters to probe keyed by backend name. It is
// called before every probe round so a config refresh changes the set.
type TargetsFunc func(ctx context.Context) map[string]providers.Provider

// HealthObserver receives probe results. *metrics.Registry implements it.
type HealthObserver interface {
	SetBackendHealth(backend string, ok bool)
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
// Health is informational: it never takes a backend out of the failover
// path.
type HealthChecker struct {
	targets    TargetsFunc
	breakers   *breaker.Registry
	storeReady func() bool
	observer   HealthObserver
	baseCtx    context.Context
	interval   time.Duration
	timeout    time.Duration

	mu       sync.RWMutex
	backends map[string]*componentStatus
	store    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// HealthOption configures a HealthChecker.
type HealthOption func(*HealthChecker)

// WithStoreProbe reports the snapshot store reachability. Nil means "not
// configured".
func WithStoreProbe(ready func() bool) HealthOption {
	return func(hc *HealthChecker) { hc.storeReady = ready }
}

// WithHealthObserver forwards every probe result.
func WithHealthObserver(o HealthObserver) HealthOption {
	return func(hc *HealthChecker) { hc.observer = o }
}

// WithProbeInterval overrides the probe interval (tests).
func WithProbeInterval(d time.Duration) HealthOption {
	return func(hc *HealthChecker) {
		if d > 0 {
			hc.interval = d
		}
	}
}

// NewHealthChecker creates a HealthChecker and runs the first probe round
// synchronously. Call Start to keep probing in the background.
func NewHealthChecker(ctx context.Context, targets TargetsFunc, breakers *breaker.Registry, opts ...HealthOption) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		targets:   targets,
		breakers:  breakers,
		baseCtx:   ctx,
		interval:  healthProbeInterval,
		timeout:   providers.HealthCheckTimeout,
		backends:  make(map[string]*componentStatus),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(hc)
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()
	return hc
}

// Start launches the background probe loop. It returns immediately.
func (hc *HealthChecker) Start() {
	hc.wg.Add(1)
	go hc.run()
}

// BreakerView is the breaker part of a health snapshot.
type BreakerView struct {
	State         string `json:"state"`
	RetryAfterSec int64  `json:"retry_after_seconds,omitempty"`
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Backends      map[string]string      `json:"backends"`
	Breakers      map[string]BreakerView `json:"breakers,omitempty"`
	Store         string                 `json:"store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK

	hc.mu.RLock()
	backends := make(map[string]string, len(hc.backends))
	for name, s := range hc.backends {
		st := s.get()
		backends[name] = st
		if st != statusOK {
			overall = statusDegraded
		}
	}
	hc.mu.RUnlock()

	store := hc.store.get()
	if store == statusDown {
		overall = statusDegraded
	}

	var views map[string]BreakerView
	if hc.breakers != nil {
		all := hc.breakers.AllStats()
		views = make(map[string]BreakerView, len(all))
		for name, st := range all {
			v := BreakerView{State: st.StateLabel}
			if st.State == breaker.StateOpen {
				overall = statusDegraded
				if b, ok := hc.breakers.Lookup(name); ok {
					v.RetryAfterSec = int64(b.TimeUntilRetry().Seconds())
				}
			}
			views[name] = v
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Backends:      backends,
		Breakers:      views,
		Store:         store,
	}
}

// ReadinessOK reports whether at least one known backend can take traffic:
// false only when breakers exist and every one of them is open.
func (hc *HealthChecker) ReadinessOK() (bool, time.Duration) {
	if hc.breakers == nil {
		return true, 0
	}
	open, wait := hc.breakers.OpenCount()
	total := len(hc.breakers.Names())
	if total > 0 && open == total {
		return false, wait
	}
	return true, 0
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, hc.timeout)
	defer cancel()

	var targets map[string]providers.Provider
	if hc.targets != nil {
		targets = hc.targets(ctx)
	}

	statuses := make(map[string]*componentStatus, len(targets))
	hc.mu.RLock()
	for name := range targets {
		if s, ok := hc.backends[name]; ok {
			statuses[name] = s
		} else {
			statuses[name] = &componentStatus{}
		}
	}
	hc.mu.RUnlock()

	// Backend probes run in parallel.
	var wg sync.WaitGroup
	for name, prov := range targets {
		name, prov := name, prov
		s := statuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := prov.HealthCheck(ctx)
			if err != nil {
				s.set(statusDegraded)
			} else {
				s.set(statusOK)
			}
			if hc.observer != nil {
				hc.observer.SetBackendHealth(name, err == nil)
			}
		}()
	}

	// Store probe: nil probe means "not configured", reported as ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.storeReady == nil || hc.storeReady() {
			hc.store.set(statusOK)
		} else {
			hc.store.set(statusDown)
		}
	}()

	wg.Wait()

	// Backends dropped from the config disappear from the snapshot.
	hc.mu.Lock()
	hc.backends = statuses
	hc.mu.Unlock()
}

