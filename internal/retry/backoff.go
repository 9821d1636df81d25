// Package retry bounds the number of attempts made against a single backend
// and spaces them with exponential backoff.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Default policy values.
const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 60 * time.Second
	DefaultExponentialBase = 2.0
)

// Config holds backoff parameters. Use DefaultConfig and override fields;
// Jitter and RetryOnRateLimit are plain booleans, so a zero Config disables
// both.
type Config struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	ExponentialBase  float64
	Jitter           bool
	RetryOnRateLimit bool
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       DefaultMaxRetries,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		ExponentialBase:  DefaultExponentialBase,
		Jitter:           true,
		RetryOnRateLimit: true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ExponentialBase < 1 {
		c.ExponentialBase = DefaultExponentialBase
	}
	return c
}

// Policy computes retry delays. It is safe for concurrent use.
type Policy struct {
	cfg  Config
	rand func() float64
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithRand overrides the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) PolicyOption {
	return func(p *Policy) { p.rand = fn }
}

// NewPolicy creates a Policy from cfg.
func NewPolicy(cfg Config, opts ...PolicyOption) *Policy {
	p := &Policy{cfg: cfg.withDefaults(), rand: rand.Float64}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config { return p.cfg }

// WithBaseDelay returns a copy of p using base as the first delay.
func (p *Policy) WithBaseDelay(base time.Duration) *Policy {
	cp := *p
	cp.cfg.BaseDelay = base
	cp.cfg = cp.cfg.withDefaults()
	return &cp
}

// Delay returns the wait before retry number attempt (0-based):
//
//	min(BaseDelay * ExponentialBase^attempt, MaxDelay) * (1 + rand*0.5)
//
// The jitter factor is applied only when Jitter is set.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.ExponentialBase, float64(attempt))
	if d > float64(p.cfg.MaxDelay) || math.IsInf(d, 0) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter {
		d *= 1 + p.rand()*0.5
	}
	return time.Duration(d)
}

// DelayFor is Delay, except that a rate-limit error carrying a server hint
// is honoured verbatim when RetryOnRateLimit is set.
func (p *Policy) DelayFor(attempt int, err error) time.Duration {
	if p.cfg.RetryOnRateLimit && apierr.KindOf(err) == apierr.KindRateLimited {
		if hint := apierr.RetryAfter(err); hint > 0 {
			return hint
		}
	}
	return p.Delay(attempt)
}
