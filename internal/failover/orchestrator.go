// Package failover is the entry point of the resilience layer. For every
// request it tries the primary GPU endpoint through a retry executor gated
// by the primary's circuit breaker, and when that stage is exhausted walks
// the priority-ordered fallback chain one provider at a time.
package failover

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/internal/controlplane"
	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/internal/retry"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// PrimaryBreaker is the breaker name of the primary endpoint.
const PrimaryBreaker = "primary"

// DefaultFallbackAttempts is the per-fallback retry budget: a failing
// fallback hands over to the next one instead of being retried.
const DefaultFallbackAttempts = 1

// ConfigSource yields the BackendConfig for one request. It must not fail.
type ConfigSource interface {
	Current(ctx context.Context) *controlplane.BackendConfig
}

// AdapterSource resolves config entries to adapters.
type AdapterSource interface {
	Primary(ep *controlplane.PrimaryEndpoint) (providers.Provider, error)
	Fallback(kind providers.Kind, cred controlplane.Credential) (providers.Provider, error)
}

// Metrics receives failover events. *metrics.Registry implements it.
type Metrics interface {
	retry.AttemptObserver
	RecordFailover(from, to, reason string)
	RecordFailoverSuccess(to string)
	RecordFailoverExhausted()
	SetBackendHealth(backend string, ok bool)
}

type Options struct {
	// Retry is the base policy. The primary stage replaces BaseDelay with
	// the config's RetryDelayPrimary.
	Retry retry.Config
	// FallbackAttempts is the per-fallback attempt budget.
	FallbackAttempts int
	// FallbackTimeout bounds each fallback attempt.
	FallbackTimeout time.Duration
	// ProbePrimaryHealth runs the primary health check before the primary
	// stage. The result is logged and counted only.
	ProbePrimaryHealth bool

	Logger  *slog.Logger
	Metrics Metrics

	// Sleep and Rand replace the executor's timer and jitter source (tests).
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

func (o Options) withDefaults() Options {
	if o.Retry == (retry.Config{}) {
		o.Retry = retry.DefaultConfig()
	}
	if o.FallbackAttempts <= 0 {
		o.FallbackAttempts = DefaultFallbackAttempts
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = providers.FallbackTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Orchestrator runs completions through the primary and the fallback chain.
// It is safe for concurrent use.
type Orchestrator struct {
	src      ConfigSource
	adapters AdapterSource
	breakers *breaker.Registry
	opts     Options
	log      *slog.Logger
}

// New wires an Orchestrator. breakers is shared with the admin surface.
func New(src ConfigSource, adapters AdapterSource, breakers *breaker.Registry, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		src:      src,
		adapters: adapters,
		breakers: breakers,
		opts:     opts,
		log:      opts.Logger,
	}
}

// Stream is a completion delivered as chunks. Source is fixed before the
// first chunk and never changes.
type Stream struct {
	Source string
	Chunks <-chan providers.StreamChunk

	outcome *streamOutcome
}

// Defer implements retry.Deferred. A native stream is recorded on the
// breaker when it ends, so a backend that fails mid-stream counts as
// failing. A replayed response was already complete and succeeds at once.
func (s *Stream) Defer(done func(error)) {
	if s.outcome == nil {
		done(nil)
		return
	}
	s.outcome.attach(done)
}

// Complete returns the first successful response. The caller sees a
// response, an *apierr.AllProvidersFailedError, or a terminal error
// (configuration, authentication, validation, not found, canceled). With
// auto-failover off the primary's error is returned unchanged.
func (o *Orchestrator) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, source, err := run(ctx, o, req, o.completeAttempt)
	if err != nil {
		return nil, err
	}
	resp.Source = source
	return resp, nil
}

// Stream selects a backend exactly like Complete and returns its chunks.
// The primary and the first fallback in priority order stream natively when
// their adapter implements providers.Streamer. Any other backend is fetched
// in full and delivered as a single chunk. Once a backend is chosen the
// stream never switches, so a mid-stream failure arrives as a chunk with Err
// set.
func (o *Orchestrator) Stream(ctx context.Context, req *providers.Request) (*Stream, error) {
	s, source, err := run(ctx, o, req, o.streamAttempt)
	if err != nil {
		return nil, err
	}
	s.Source = source
	return s, nil
}

// target is one backend call as seen by an attempt function.
type target struct {
	adapter providers.Provider
	req     *providers.Request
	timeout time.Duration
	// incremental allows native streaming.
	incremental bool
}

// run is the failover state machine shared by Complete and Stream.
func run[T any](ctx context.Context, o *Orchestrator, req *providers.Request, attempt func(context.Context, target) (T, error)) (T, string, error) {
	var zero T

	cfg := o.src.Current(ctx)
	fallbacks := cfg.SortedFallbacks()

	if cfg.Primary == nil && len(fallbacks) == 0 {
		return zero, "", apierr.Configuration("no primary endpoint and no fallbacks configured")
	}

	var (
		attempted int
		lastErr   error
		from      = PrimaryBreaker
	)

	if cfg.Primary != nil {
		v, err := runPrimary(ctx, o, cfg, req, attempt)
		if tried(err) {
			attempted++
		}
		if err == nil {
			return v, providers.SourcePrimary, nil
		}

		kind := apierr.KindOf(err)
		o.log.WarnContext(ctx, "primary_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("backend", PrimaryBreaker),
			slog.String("kind", string(kind)),
			slog.Int("attempts", attemptsOf(err)),
			slog.String("error", err.Error()),
		)

		if apierr.Terminal(kind) || !cfg.AutoFailover {
			return zero, "", err
		}
		if len(fallbacks) == 0 {
			return zero, "", apierr.Configuration("primary failed and auto failover has no fallbacks configured")
		}
		lastErr = err
	}

	for i, fb := range fallbacks {
		if err := ctx.Err(); err != nil {
			return zero, "", apierr.Wrap(apierr.KindOf(err), "", err)
		}

		name := fb.Backend()
		if lastErr != nil && o.opts.Metrics != nil {
			o.opts.Metrics.RecordFailover(from, name, string(apierr.KindOf(lastErr)))
		}

		cred, _ := cfg.Credential(fb.Provider)
		adapter, err := o.adapters.Fallback(fb.Provider, cred)
		if err != nil {
			o.log.ErrorContext(ctx, "fallback_unavailable",
				slog.String("request_id", req.RequestID),
				slog.String("backend", name),
				slog.String("error", err.Error()),
			)
			return zero, "", err
		}

		freq := *req
		freq.Model = fb.Model

		exec := o.executor(name, o.breakers.Get(name), o.opts.Retry)
		start := time.Now()
		v, err := retry.Do(ctx, exec, o.opts.FallbackAttempts, func(ctx context.Context) (T, error) {
			return attempt(ctx, target{
				adapter:     adapter,
				req:         &freq,
				timeout:     o.opts.FallbackTimeout,
				incremental: i == 0,
			})
		})
		if tried(err) {
			attempted++
		}

		if err == nil {
			o.log.InfoContext(ctx, "failover_success",
				slog.String("request_id", req.RequestID),
				slog.String("from", from),
				slog.String("to", name),
				slog.Int("attempted", attempted),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			)
			if o.opts.Metrics != nil {
				o.opts.Metrics.RecordFailoverSuccess(name)
			}
			return v, fb.Source(), nil
		}

		kind := apierr.KindOf(err)
		o.log.WarnContext(ctx, "fallback_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("backend", name),
			slog.Int("priority", fb.Priority),
			slog.String("kind", string(kind)),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			slog.String("error", err.Error()),
		)
		if apierr.Terminal(kind) {
			return zero, "", err
		}
		lastErr = err
		from = name
	}

	o.log.ErrorContext(ctx, "failover_exhausted",
		slog.String("request_id", req.RequestID),
		slog.Int("attempted", attempted),
		slog.String("error", lastErr.Error()),
	)
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordFailoverExhausted()
	}
	return zero, "", &apierr.AllProvidersFailedError{Attempted: attempted, Last: lastErr}
}

// runPrimary is the primary stage: RetryCountPrimary attempts spaced from
// RetryDelayPrimary, gated by the primary breaker.
func runPrimary[T any](ctx context.Context, o *Orchestrator, cfg *controlplane.BackendConfig, req *providers.Request, attempt func(context.Context, target) (T, error)) (T, error) {
	var zero T

	adapter, err := o.adapters.Primary(cfg.Primary)
	if err != nil {
		return zero, err
	}

	if o.opts.ProbePrimaryHealth {
		o.probe(ctx, adapter)
	}

	rc := o.opts.Retry
	rc.BaseDelay = cfg.RetryDelayPrimary
	if rc.BaseDelay <= 0 {
		rc.BaseDelay = controlplane.DefaultRetryDelayPrimary
	}

	exec := o.executor(PrimaryBreaker, o.breakers.Get(PrimaryBreaker), rc)
	return retry.Do(ctx, exec, cfg.PrimaryAttempts(), func(ctx context.Context) (T, error) {
		return attempt(ctx, target{adapter: adapter, req: req, incremental: true})
	})
}

// probe runs the primary health check. A failure never skips the primary.
func (o *Orchestrator) probe(ctx context.Context, adapter providers.Provider) {
	hctx, cancel := context.WithTimeout(ctx, providers.HealthCheckTimeout)
	defer cancel()

	err := adapter.HealthCheck(hctx)
	if o.opts.Metrics != nil {
		o.opts.Metrics.SetBackendHealth(PrimaryBreaker, err == nil)
	}
	if err != nil {
		o.log.WarnContext(ctx, "primary_health_check_failed",
			slog.String("backend", PrimaryBreaker),
			slog.String("kind", string(apierr.KindOf(err))),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) executor(name string, b *breaker.Breaker, rc retry.Config) *retry.Executor {
	var popts []retry.PolicyOption
	if o.opts.Rand != nil {
		popts = append(popts, retry.WithRand(o.opts.Rand))
	}
	opts := []retry.Option{
		retry.WithBreaker(b),
		retry.WithBackend(name),
		retry.WithLogger(o.log),
	}
	if o.opts.Metrics != nil {
		opts = append(opts, retry.WithObserver(o.opts.Metrics))
	}
	if o.opts.Sleep != nil {
		opts = append(opts, retry.WithSleep(o.opts.Sleep))
	}
	return retry.NewExecutor(retry.NewPolicy(rc, popts...), opts...)
}

func (o *Orchestrator) completeAttempt(ctx context.Context, t target) (*providers.Response, error) {
	actx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()
	return t.adapter.Complete(actx, t.req)
}

func (o *Orchestrator) streamAttempt(ctx context.Context, t target) (*Stream, error) {
	actx, cancel := withTimeout(ctx, t.timeout)

	if s, ok := t.adapter.(providers.Streamer); ok && t.incremental {
		ch, err := s.Stream(actx, t.req)
		if err != nil {
			cancel()
			return nil, err
		}
		out := &streamOutcome{}
		return &Stream{Chunks: relay(actx, ch, cancel, out), outcome: out}, nil
	}

	resp, err := t.adapter.Complete(actx, t.req)
	cancel()
	if err != nil {
		return nil, err
	}
	return &Stream{Chunks: providers.SingleChunk(resp)}, nil
}

// relay forwards chunks and releases the attempt context once the upstream
// channel is drained or ctx ends. The first error chunk, or the context
// error when ctx ends first, is the stream's outcome. An error that arrives
// after ctx ended is reported as the context error.
func relay(ctx context.Context, in <-chan providers.StreamChunk, cancel context.CancelFunc, outcome *streamOutcome) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)
	go func() {
		var streamErr error
		defer cancel()
		defer close(out)
		defer func() { outcome.finish(streamErr) }()

		for c := range in {
			if c.Err != nil && streamErr == nil {
				streamErr = c.Err
				if cerr := ctx.Err(); cerr != nil {
					streamErr = cerr
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				if streamErr == nil {
					streamErr = ctx.Err()
				}
				return
			}
		}
		if streamErr == nil {
			streamErr = ctx.Err()
		}
	}()
	return out
}

// streamOutcome passes the result of a finished stream to the breaker guard
// that admitted it. Either side may arrive first.
type streamOutcome struct {
	mu       sync.Mutex
	done     func(error)
	err      error
	finished bool
}

func (o *streamOutcome) attach(done func(error)) {
	o.mu.Lock()
	if !o.finished {
		o.done = done
		o.mu.Unlock()
		return
	}
	err := o.err
	o.mu.Unlock()
	done(err)
}

func (o *streamOutcome) finish(err error) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.finished, o.err = true, err
	done := o.done
	o.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// tried reports whether a stage reached its backend at least once. A stage
// refused by an open breaker before its first attempt does not count.
func tried(err error) bool {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts > 0
	}
	return true
}

func attemptsOf(err error) int {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 1
}

// BreakerStats returns the stats of one breaker.
func (o *Orchestrator) BreakerStats(name string) (breaker.Stats, bool) {
	b, ok := o.breakers.Lookup(name)
	if !ok {
		return breaker.Stats{}, false
	}
	return b.Stats(), true
}

// AllBreakerStats returns every breaker created so far.
func (o *Orchestrator) AllBreakerStats() map[string]breaker.Stats {
	return o.breakers.AllStats()
}

// ResetBreaker forces one breaker closed.
func (o *Orchestrator) ResetBreaker(name string) bool {
	ok := o.breakers.Reset(name)
	if ok {
		o.log.Info("breaker_reset", slog.String("backend", name))
	}
	return ok
}

// ResetAllBreakers forces every breaker closed.
func (o *Orchestrator) ResetAllBreakers() {
	o.breakers.ResetAll()
	o.log.Info("breaker_reset_all")
}
