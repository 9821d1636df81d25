// Package breaker implements the per-backend circuit breaker and the
// registry that owns one breaker per backend name.
//
// State machine:
//
//	closed    ── FailureThreshold consecutive failures ──▶ open
//	open      ── RecoveryTimeout since last failure ─────▶ half_open (checked lazily in CanExecute)
//	half_open ── SuccessThreshold consecutive successes ─▶ closed
//	half_open ── any counted failure ────────────────────▶ open
//
// Only bookkeeping runs under the breaker lock. The protected call always
// runs outside it.
package breaker

import (
	"sync"
	"time"

	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// State is the operational state of a breaker. The numeric values are
// exported as the circuit_breaker_state gauge.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default tuning values.
const (
	DefaultFailureThreshold      = 5
	DefaultSuccessThreshold      = 2
	DefaultRecoveryTimeout       = 30 * time.Second
	DefaultHalfOpenMaxConcurrent = 1
)

// DefaultExpectedKinds are the error kinds that count as backend failures.
var DefaultExpectedKinds = []apierr.Kind{
	apierr.KindConnection,
	apierr.KindTimeout,
	apierr.KindServer,
	apierr.KindRateLimited,
}

// DefaultExcludedKinds are never counted: they describe the request or the
// caller, not the backend's health.
var DefaultExcludedKinds = []apierr.Kind{
	apierr.KindValidation,
	apierr.KindAuthentication,
	apierr.KindNotFound,
	apierr.KindCanceled,
}

// Config holds breaker tuning parameters. Zero values fall back to the
// package defaults. A nil ExpectedKinds uses DefaultExpectedKinds; an empty
// non-nil slice counts every kind that is not excluded.
type Config struct {
	Name                  string
	FailureThreshold      int
	SuccessThreshold      int
	RecoveryTimeout       time.Duration
	HalfOpenMaxConcurrent int
	ExpectedKinds         []apierr.Kind
	ExcludedKinds         []apierr.Kind
}

// DefaultConfig returns the default configuration for name.
func DefaultConfig(name string) Config {
	return Config{Name: name}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.HalfOpenMaxConcurrent <= 0 {
		c.HalfOpenMaxConcurrent = DefaultHalfOpenMaxConcurrent
	}
	if c.ExpectedKinds == nil {
		c.ExpectedKinds = DefaultExpectedKinds
	}
	if c.ExcludedKinds == nil {
		c.ExcludedKinds = DefaultExcludedKinds
	}
	return c
}

// Stats is an immutable snapshot of a breaker's counters.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"-"`
	StateLabel           string    `json:"state"`
	TotalCalls           int64     `json:"total_calls"`
	SuccessfulCalls      int64     `json:"successful_calls"`
	FailedCalls          int64     `json:"failed_calls"`
	RejectedCalls        int64     `json:"rejected_calls"`
	StateChanges         int64     `json:"state_changes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	HalfOpenInFlight     int       `json:"half_open_in_flight"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	LastSuccess          time.Time `json:"last_success,omitempty"`
	LastStateChange      time.Time `json:"last_state_change,omitempty"`
}

// Observer receives breaker events. Callbacks run after the breaker lock is
// released and must not block.
type Observer interface {
	StateChanged(name string, from, to State)
	Rejected(name string, state State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(b *Breaker) { b.observer = o }
}

// Breaker is a circuit breaker for one backend. It is safe for concurrent use.
type Breaker struct {
	cfg      Config
	expected map[apierr.Kind]bool
	excluded map[apierr.Kind]bool
	now      func() time.Time
	observer Observer

	mu                   sync.Mutex
	state                State
	generation           uint64
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	lastFailure          time.Time
	stats                Stats
}

// New creates a closed Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		cfg:      cfg,
		expected: kindSet(cfg.ExpectedKinds),
		excluded: kindSet(cfg.ExcludedKinds),
		now:      time.Now,
		state:    StateClosed,
	}
	for _, o := range opts {
		o(b)
	}
	b.stats.Name = cfg.Name
	return b
}

func kindSet(kinds []apierr.Kind) map[apierr.Kind]bool {
	m := make(map[apierr.Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

// Name returns the backend name the breaker protects.
func (b *Breaker) Name() string { return b.cfg.Name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
}

// CanExecute reports whether a call may be attempted now. It is
// side-effecting: it may move open → half_open, reserves a probe slot in
// half_open, and counts rejections.
func (b *Breaker) CanExecute() bool {
	ok, _, _ := b.acquire()
	return ok
}

func (b *Breaker) acquire() (ok bool, gen uint64, probe bool) {
	var tr *transition
	var rejectedIn State

	b.mu.Lock()
	now := b.now()
	if b.state == StateOpen && now.Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		tr = b.setState(StateHalfOpen, now)
	}

	switch b.state {
	case StateClosed:
		ok = true
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxConcurrent {
			b.halfOpenInFlight++
			ok, probe = true, true
		}
	}
	if !ok {
		b.stats.RejectedCalls++
		rejectedIn = b.state
	}
	gen = b.generation
	b.mu.Unlock()

	b.notify(tr)
	if !ok && b.observer != nil {
		b.observer.Rejected(b.cfg.Name, rejectedIn)
	}
	return ok, gen, probe
}

// RecordSuccess records a successful call against the current state.
func (b *Breaker) RecordSuccess() {
	b.record(0, false, true, apierr.KindUnknown, true)
}

// RecordFailure records a failed call of the given kind against the current
// state. Excluded and unmatched kinds are counted as calls only.
func (b *Breaker) RecordFailure(kind apierr.Kind) {
	b.record(0, false, false, kind, true)
}

// record applies one outcome. When current is false the outcome belongs to
// generation gen; outcomes from an older generation update stats only.
func (b *Breaker) record(gen uint64, probe, success bool, kind apierr.Kind, current bool) {
	var tr *transition

	b.mu.Lock()
	now := b.now()
	stale := !current && gen != b.generation

	if b.state == StateHalfOpen && !stale && (current || probe) && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	b.stats.TotalCalls++
	switch {
	case success:
		b.stats.SuccessfulCalls++
		b.stats.LastSuccess = now
		if !stale {
			tr = b.onSuccess(now)
		}
	case b.counts(kind):
		b.stats.FailedCalls++
		b.stats.LastFailure = now
		if !stale {
			tr = b.onFailure(now)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

func (b *Breaker) counts(kind apierr.Kind) bool {
	if b.excluded[kind] {
		return false
	}
	if len(b.expected) == 0 {
		return true
	}
	return b.expected[kind]
}

func (b *Breaker) onSuccess(now time.Time) *transition {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			return b.setState(StateClosed, now)
		}
	}
	return nil
}

func (b *Breaker) onFailure(now time.Time) *transition {
	b.lastFailure = now
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			return b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		return b.setState(StateOpen, now)
	case StateOpen:
		// A late failure from a call admitted before the trip extends the
		// recovery window.
	}
	return nil
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State, now time.Time) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.generation++
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.stats.StateChanges++
	b.stats.LastStateChange = now
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr != nil && b.observer != nil {
		b.observer.StateChanged(b.cfg.Name, tr.from, tr.to)
	}
}

// Reset forces the breaker closed and clears counters and the last failure
// time. Lifetime stats are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setState(StateClosed, b.now())
	if tr == nil {
		b.generation++
	}
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.notify(tr)
}

// State returns the current state without side effects. An open breaker
// whose recovery timeout has elapsed still reports open until the next
// CanExecute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TimeUntilRetry is how long an open breaker will keep rejecting calls.
func (b *Breaker) TimeUntilRetry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeUntilRetryLocked()
}

func (b *Breaker) timeUntilRetryLocked() time.Duration {
	if b.state != StateOpen {
		return 0
	}
	left := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure)
	if left < 0 {
		return 0
	}
	return left
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.State = b.state
	s.StateLabel = b.state.String()
	s.ConsecutiveFailures = b.consecutiveFailures
	s.ConsecutiveSuccesses = b.consecutiveSuccesses
	s.HalfOpenInFlight = b.halfOpenInFlight
	return s
}
