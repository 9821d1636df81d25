package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingSleep captures requested delays instead of sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type attemptLog struct {
	mu       sync.Mutex
	outcomes []string
}

func (a *attemptLog) ObserveAttempt(_, outcome string, _ time.Duration) {
	a.mu.Lock()
	a.outcomes = append(a.outcomes, outcome)
	a.mu.Unlock()
}

func serverErr() error { return apierr.New(apierr.KindServer, "primary", "503") }

func TestPolicy_DelayWithoutJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = false
	p := NewPolicy(cfg)

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 60*time.Second, p.Delay(10))
	assert.Equal(t, 60*time.Second, p.Delay(5000))
}

func TestPolicy_DelayMonotonicAndBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = false
	p := NewPolicy(cfg)

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := p.Delay(i)
		require.GreaterOrEqual(t, d, prev, "attempt %d", i)
		prev = d
	}

	jittered := NewPolicy(DefaultConfig())
	for i := 0; i < 20; i++ {
		d := jittered.Delay(i)
		assert.LessOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*1.5))
		assert.GreaterOrEqual(t, d, NewPolicy(cfg).Delay(i))
	}
}

func TestPolicy_JitterUsesInjectedRand(t *testing.T) {
	p := NewPolicy(DefaultConfig(), WithRand(func() float64 { return 0.5 }))

	assert.Equal(t, 1250*time.Millisecond, p.Delay(0))
	assert.Equal(t, 2500*time.Millisecond, p.Delay(1))
}

func TestPolicy_DelayForHonoursRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = false
	p := NewPolicy(cfg)

	limited := &apierr.Error{Kind: apierr.KindRateLimited, Backend: "primary", RetryAfter: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.DelayFor(0, limited))
	assert.Equal(t, 5*time.Second, p.DelayFor(3, limited), "hint is used verbatim, not capped by the exponent")

	noHint := &apierr.Error{Kind: apierr.KindRateLimited, Backend: "primary"}
	assert.Equal(t, 2*time.Second, p.DelayFor(1, noHint))

	cfg.RetryOnRateLimit = false
	assert.Equal(t, time.Second, NewPolicy(cfg).DelayFor(0, limited))
}

func TestPolicy_WithBaseDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = false
	p := NewPolicy(cfg).WithBaseDelay(250 * time.Millisecond)

	assert.Equal(t, 250*time.Millisecond, p.Delay(0))
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	sleeps := &recordingSleep{}
	obs := &attemptLog{}
	cfg := DefaultConfig()
	cfg.Jitter = false
	e := NewExecutor(NewPolicy(cfg), WithSleep(sleeps.Sleep), WithLogger(discard), WithObserver(obs), WithBackend("primary"))

	calls := 0
	v, err := Do(context.Background(), e, 3, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", serverErr()
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
	assert.Equal(t, []string{"server_error", "server_error", OutcomeSuccess}, obs.outcomes)
}

func TestDo_RateLimitRetryAfterUsedVerbatim(t *testing.T) {
	sleeps := &recordingSleep{}
	e := NewExecutor(NewPolicy(DefaultConfig()), WithSleep(sleeps.Sleep), WithLogger(discard))

	calls := 0
	_, err := Do(context.Background(), e, 2, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &apierr.Error{Kind: apierr.KindRateLimited, Backend: "primary", RetryAfter: 5 * time.Second}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeps.delays)
}

func TestDo_RateLimitEscalatesWhenRetryDisabled(t *testing.T) {
	sleeps := &recordingSleep{}
	cfg := DefaultConfig()
	cfg.RetryOnRateLimit = false
	e := NewExecutor(NewPolicy(cfg), WithSleep(sleeps.Sleep), WithLogger(discard))

	calls := 0
	_, err := Do(context.Background(), e, 3, func(context.Context) (int, error) {
		calls++
		return 0, &apierr.Error{Kind: apierr.KindRateLimited, Backend: "primary"}
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ex.Attempts)
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, apierr.KindRateLimited, apierr.KindOf(err))
}

func TestDo_TerminalErrorAbortsImmediately(t *testing.T) {
	for _, kind := range []apierr.Kind{
		apierr.KindAuthentication,
		apierr.KindValidation,
		apierr.KindNotFound,
		apierr.KindConfiguration,
	} {
		t.Run(string(kind), func(t *testing.T) {
			sleeps := &recordingSleep{}
			e := NewExecutor(nil, WithSleep(sleeps.Sleep), WithLogger(discard))
			want := apierr.New(kind, "primary", "nope")

			calls := 0
			_, err := Do(context.Background(), e, 5, func(context.Context) (int, error) {
				calls++
				return 0, want
			})

			assert.Same(t, want, err, "terminal errors are returned unwrapped")
			assert.Equal(t, 1, calls)
			assert.Empty(t, sleeps.delays)
		})
	}
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	sleeps := &recordingSleep{}
	e := NewExecutor(nil, WithSleep(sleeps.Sleep), WithLogger(discard), WithBackend("primary"))

	last := apierr.New(apierr.KindTimeout, "primary", "slow")
	calls := 0
	_, err := Do(context.Background(), e, 3, func(context.Context) (int, error) {
		calls++
		if calls == 3 {
			return 0, last
		}
		return 0, serverErr()
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, apierr.KindTimeout, apierr.KindOf(err))
	assert.Len(t, sleeps.delays, 2, "no sleep after the final attempt")
}

func TestDo_BreakerRejectionFailsFast(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "primary", FailureThreshold: 2})
	obs := &attemptLog{}
	e := NewExecutor(nil, WithBreaker(b), WithSleep((&recordingSleep{}).Sleep), WithLogger(discard), WithObserver(obs))

	calls := 0
	_, err := Do(context.Background(), e, 5, func(context.Context) (int, error) {
		calls++
		return 0, serverErr()
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, calls, "third attempt is refused by the open breaker")
	assert.Equal(t, 2, ex.Attempts)
	assert.Equal(t, apierr.KindCircuitOpen, apierr.KindOf(err))
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.Equal(t, OutcomeCircuitReject, obs.outcomes[len(obs.outcomes)-1])
}

func TestDo_BreakerIgnoresTerminalErrors(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "primary", FailureThreshold: 1})
	e := NewExecutor(nil, WithBreaker(b), WithLogger(discard))

	_, err := Do(context.Background(), e, 3, func(context.Context) (int, error) {
		return 0, apierr.New(apierr.KindValidation, "primary", "bad prompt")
	})

	assert.Equal(t, apierr.KindValidation, apierr.KindOf(err))
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewExecutor(nil, WithLogger(discard))

	calls := 0
	_, err := Do(ctx, e, 3, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})

	assert.Zero(t, calls)
	assert.Equal(t, apierr.KindCanceled, apierr.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_CancellationInterruptsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(NewPolicy(Config{BaseDelay: time.Hour, MaxDelay: time.Hour}), WithLogger(discard))

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, e, 3, func(context.Context) (int, error) {
			calls++
			return 0, serverErr()
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, apierr.KindCanceled, apierr.KindOf(err))
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	require.NoError(t, sleepCtx(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(sleepCtx(ctx, time.Hour), context.Canceled))
}

func TestDo_PanicReleasesHalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	b := breaker.New(breaker.Config{Name: "primary", FailureThreshold: 1, RecoveryTimeout: time.Second}, breaker.WithClock(clock))
	e := NewExecutor(nil, WithBreaker(b), WithLogger(discard))

	b.RecordFailure(apierr.KindServer)
	require.Equal(t, breaker.StateOpen, b.State())
	now = now.Add(2 * time.Second)

	func() {
		defer func() {
			assert.Equal(t, "adapter bug", recover(), "panic must propagate to the caller")
		}()
		_, _ = Do(context.Background(), e, 1, func(context.Context) (int, error) {
			panic("adapter bug")
		})
	}()

	assert.Equal(t, breaker.StateOpen, b.State(), "a panicking probe counts as a failure")
	assert.Equal(t, 0, b.Stats().HalfOpenInFlight, "probe slot released")

	now = now.Add(2 * time.Second)
	v, err := Do(context.Background(), e, 1, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err, "the probe slot must be free again")
	assert.Equal(t, 7, v)
}

// pendingResult settles its attempt later.
type pendingResult struct{ done func(error) }

func (p *pendingResult) Defer(done func(error)) { p.done = done }

func TestDo_DeferredResultHoldsOutcomeUntilSettled(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	b := breaker.New(breaker.Config{Name: "primary", FailureThreshold: 1, RecoveryTimeout: time.Second}, breaker.WithClock(clock))
	e := NewExecutor(nil, WithBreaker(b), WithLogger(discard))

	b.RecordFailure(apierr.KindServer)
	now = now.Add(2 * time.Second)

	res, err := Do(context.Background(), e, 1, func(context.Context) (*pendingResult, error) {
		return &pendingResult{}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, res.done)
	assert.Equal(t, breaker.StateHalfOpen, b.State())
	assert.Equal(t, 1, b.Stats().HalfOpenInFlight, "slot held while the result is pending")

	res.done(serverErr())
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.Zero(t, b.Stats().SuccessfulCalls)
}
