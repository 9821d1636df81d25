package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Attempt outcomes reported to an AttemptObserver.
const (
	OutcomeSuccess       = "success"
	OutcomeCircuitReject = "circuit_reject"
)

// AttemptObserver is notified after every attempt. outcome is OutcomeSuccess,
// OutcomeCircuitReject or the failure's apierr.Kind.
type AttemptObserver interface {
	ObserveAttempt(backend, outcome string, d time.Duration)
}

// Deferred is implemented by results whose outcome is only known after the
// attempt returns, such as a stream that can still fail once it is open. Do
// hands the breaker's outcome callback to Defer instead of recording a
// success. The result calls it once that outcome is known.
type Deferred interface {
	Defer(done func(error))
}

// ExhaustedError is returned when every attempt against one backend failed
// with a retryable error, or the breaker refused the call.
type ExhaustedError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Executor runs an operation against one backend under a retry Policy and,
// optionally, a circuit breaker.
type Executor struct {
	policy   *Policy
	breaker  *breaker.Breaker
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	observer AttemptObserver
	backend  string
}

// Option configures an Executor.
type Option func(*Executor)

// WithBreaker gates every attempt through b.
func WithBreaker(b *breaker.Breaker) Option {
	return func(e *Executor) {
		e.breaker = b
		if e.backend == "" && b != nil {
			e.backend = b.Name()
		}
	}
}

// WithLogger sets the logger used for per-attempt events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithSleep overrides the ctx-aware sleep between attempts (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithObserver attaches an AttemptObserver.
func WithObserver(o AttemptObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// WithBackend sets the backend name used in logs, metrics and errors.
func WithBackend(name string) Option {
	return func(e *Executor) { e.backend = name }
}

// NewExecutor creates an Executor. A nil policy uses DefaultConfig.
func NewExecutor(policy *Policy, opts ...Option) *Executor {
	if policy == nil {
		policy = NewPolicy(DefaultConfig())
	}
	e := &Executor{
		policy: policy,
		log:    slog.Default(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the executor's backoff policy.
func (e *Executor) Policy() *Policy { return e.policy }

// Do calls op up to maxAttempts times (the policy's MaxRetries when
// maxAttempts <= 0).
//
//   - Success returns immediately.
//   - A terminal error (see apierr.Terminal) is returned unwrapped.
//   - A breaker rejection ends the stage with an *ExhaustedError wrapping
//     the *apierr.CircuitOpenError.
//   - rate_limited is not retried when the policy's RetryOnRateLimit is off.
//   - Any other error is retried after Policy.DelayFor.
//
// Context cancellation is checked before every attempt and interrupts sleeps.
func Do[T any](ctx context.Context, e *Executor, maxAttempts int, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = e.policy.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, apierr.Wrap(apierr.KindOf(err), e.backend, err)
		}

		var guard *breaker.Guard
		if e.breaker != nil {
			g, err := e.breaker.Acquire()
			if err != nil {
				e.observe(OutcomeCircuitReject, 0)
				e.log.WarnContext(ctx, "circuit_breaker_open",
					slog.String("backend", e.backend),
					slog.Int("attempt", attempt+1),
				)
				return zero, &ExhaustedError{Backend: e.backend, Attempts: attempt, Err: err}
			}
			guard = g
		}

		start := time.Now()
		v, err := call(ctx, e, guard, op)
		dur := time.Since(start)

		if err == nil {
			e.observe(OutcomeSuccess, dur)
			return v, nil
		}

		kind := apierr.KindOf(err)
		e.observe(outcomeFor(kind), dur)
		e.log.WarnContext(ctx, "backend_attempt_failed",
			slog.String("backend", e.backend),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxAttempts),
			slog.String("kind", string(kind)),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if apierr.Terminal(kind) {
			return zero, err
		}
		lastErr = err

		if kind == apierr.KindRateLimited && !e.policy.cfg.RetryOnRateLimit {
			return zero, &ExhaustedError{Backend: e.backend, Attempts: attempt + 1, Err: err}
		}
		if attempt+1 >= maxAttempts {
			break
		}

		if serr := e.sleep(ctx, e.policy.DelayFor(attempt, err)); serr != nil {
			return zero, apierr.Wrap(apierr.KindOf(serr), e.backend, serr)
		}
	}

	return zero, &ExhaustedError{Backend: e.backend, Attempts: maxAttempts, Err: lastErr}
}

// call runs one attempt and records its outcome on guard. A panic in op is
// recorded as a server error before it propagates, so a half-open probe slot
// is always released.
func call[T any](ctx context.Context, e *Executor, guard *breaker.Guard, op func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			guard.Done(apierr.New(apierr.KindServer, e.backend, "panic: %v", r))
			panic(r)
		}
	}()

	v, err = op(ctx)
	if d, ok := any(v).(Deferred); ok && err == nil {
		d.Defer(guard.Done)
		return v, nil
	}
	guard.Done(err)
	return v, err
}

func (e *Executor) observe(outcome string, d time.Duration) {
	if e.observer != nil {
		e.observer.ObserveAttempt(e.backend, outcome, d)
	}
}

func outcomeFor(k apierr.Kind) string {
	if k == apierr.KindUnknown {
		return "unknown"
	}
	return string(k)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
