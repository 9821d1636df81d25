// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example PRIMARY_URL becomes
// primary_url in YAML.
//
// The values here only seed the backend config. When CONTROL_PLANE_URL or
// BACKEND_CONFIG_FILE is set, the fallback chain, credentials and flags are
// refreshed from there at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/internal/controlplane"
	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/internal/providers/primary"
	"github.com/nulpointcorp/inference-failover/internal/retry"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Primary is the self-hosted GPU endpoint. An empty URL sends every
	// request straight to the fallback chain.
	Primary PrimaryConfig

	// Failover controls the primary retry budget and the fallback chain.
	Failover FailoverConfig

	// CircuitBreaker controls per-backend breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Retry controls backoff between attempts.
	Retry RetryConfig

	// ControlPlane selects where the live backend config comes from.
	ControlPlane ControlPlaneConfig

	// Providers holds fallback credentials keyed by provider.
	Providers map[providers.Kind]ProviderConfig

	// AnthropicMaxOutputTokens caps max_tokens sent to Anthropic. 0 keeps
	// the adapter default.
	AnthropicMaxOutputTokens int

	// Redis holds the connection URL shared by the config snapshot store
	// and the rate limiter.
	Redis RedisConfig

	// SnapshotStore selects where the last good backend config is kept
	// across restarts:
	//   "redis"  - shared by every replica (requires REDIS_URL).
	//   "memory" - in-process only.
	//   "none"   - disabled.
	// Default: "memory".
	SnapshotStore string

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AdminJWTSecret enables HS256 bearer auth on /admin routes.
	AdminJWTSecret string

	// ClickHouseDSN sends request logs to ClickHouse instead of stdout.
	ClickHouseDSN string
}

// PrimaryConfig describes the GPU endpoint.
type PrimaryConfig struct {
	URL            string
	Model          string
	APIKey         string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	HealthPath     string
	// HealthProbe runs a health check before every primary stage. The
	// result is logged and exported, it never skips the primary.
	HealthProbe bool
}

// FailoverConfig controls the failover path.
type FailoverConfig struct {
	// Fallbacks is parsed from FALLBACK_MODELS:
	// "provider/model[:priority]" entries separated by commas.
	Fallbacks []controlplane.FallbackModel

	// AutoFailover enables the fallback chain. Default: true.
	AutoFailover bool

	// RetryCountPrimary is the number of primary attempts. Default: 3.
	RetryCountPrimary int

	// RetryDelayPrimary is the wait after the first failed primary attempt;
	// later waits grow exponentially. Default: 1s.
	RetryDelayPrimary time.Duration

	// FallbackAttempts is the attempt budget per fallback. Default: 1.
	FallbackAttempts int

	// FallbackTimeout bounds one fallback attempt. Default: 60s.
	FallbackTimeout time.Duration
}

// CircuitBreakerConfig controls per-backend breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive counted failures that
	// trip the breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes that close it.
	// Default: 2.
	SuccessThreshold int

	// RecoveryTimeout is how long the breaker stays open. Default: 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMax is the number of concurrent half-open probes. Default: 1.
	HalfOpenMax int
}

// RetryConfig controls backoff. The base delay of the primary stage comes
// from FailoverConfig.RetryDelayPrimary.
type RetryConfig struct {
	MaxDelay         time.Duration
	ExponentialBase  float64
	Jitter           bool
	RetryOnRateLimit bool
}

// ControlPlaneConfig selects the dynamic backend config source. URL wins
// over File when both are set.
type ControlPlaneConfig struct {
	URL      string
	Token    string
	File     string
	CacheTTL time.Duration
}

// Enabled reports whether the backend config is refreshed at runtime.
func (c ControlPlaneConfig) Enabled() bool { return c.URL != "" || c.File != "" }

// ProviderConfig holds credentials for a single fallback provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// providerEnv maps each fallback provider to its env var prefixes: the API
// key is <key>_API_KEY and the base URL override <base>_BASE_URL.
var providerEnv = map[providers.Kind]struct{ key, base string }{
	providers.KindOpenAI:     {"OPENAI", "OPENAI"},
	providers.KindOpenRouter: {"OPENROUTER", "OPENROUTER"},
	providers.KindAnthropic:  {"ANTHROPIC", "ANTHROPIC"},
	providers.KindGemini:     {"GOOGLE", "GEMINI"},
	providers.KindGroq:       {"GROQ", "GROQ"},
	providers.KindTogether:   {"TOGETHER", "TOGETHER"},
	providers.KindDeepSeek:   {"DEEPSEEK", "DEEPSEEK"},
	providers.KindXAI:        {"XAI", "XAI"},
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// Either a primary URL, a fallback chain or a control-plane source must be
// configured. REDIS_URL is only required when SNAPSHOT_STORE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("SNAPSHOT_STORE", "memory")

	// Primary defaults.
	v.SetDefault("PRIMARY_TIMEOUT", primary.DefaultTimeout.String())
	v.SetDefault("PRIMARY_CONNECT_TIMEOUT", primary.DefaultConnectTimeout.String())
	v.SetDefault("PRIMARY_READ_TIMEOUT", primary.DefaultReadTimeout.String())
	v.SetDefault("PRIMARY_WRITE_TIMEOUT", primary.DefaultWriteTimeout.String())
	v.SetDefault("PRIMARY_HEALTH_PATH", primary.DefaultHealthPath)
	v.SetDefault("PRIMARY_HEALTH_PROBE", false)

	// Failover defaults.
	v.SetDefault("AUTO_FAILOVER", true)
	v.SetDefault("RETRY_COUNT_PRIMARY", controlplane.DefaultRetryCountPrimary)
	v.SetDefault("RETRY_DELAY_PRIMARY", controlplane.DefaultRetryDelayPrimary.String())
	v.SetDefault("FALLBACK_ATTEMPTS", 1)
	v.SetDefault("FALLBACK_TIMEOUT", providers.FallbackTimeout.String())

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", breaker.DefaultFailureThreshold)
	v.SetDefault("CB_SUCCESS_THRESHOLD", breaker.DefaultSuccessThreshold)
	v.SetDefault("CB_RECOVERY_TIMEOUT", breaker.DefaultRecoveryTimeout.String())
	v.SetDefault("CB_HALF_OPEN_MAX", breaker.DefaultHalfOpenMaxConcurrent)

	// Retry defaults.
	v.SetDefault("RETRY_MAX_DELAY", retry.DefaultMaxDelay.String())
	v.SetDefault("RETRY_EXPONENTIAL_BASE", retry.DefaultExponentialBase)
	v.SetDefault("RETRY_JITTER", true)
	v.SetDefault("RETRY_ON_RATE_LIMIT", true)

	// Control plane defaults.
	v.SetDefault("CONFIG_CACHE_TTL", controlplane.DefaultConfigCacheTTL.String())

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	fallbacks, err := ParseFallbackModels(v.GetString("FALLBACK_MODELS"))
	if err != nil {
		return nil, err
	}

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Primary: PrimaryConfig{
			URL:            v.GetString("PRIMARY_URL"),
			Model:          v.GetString("PRIMARY_MODEL"),
			APIKey:         v.GetString("PRIMARY_API_KEY"),
			Timeout:        v.GetDuration("PRIMARY_TIMEOUT"),
			ConnectTimeout: v.GetDuration("PRIMARY_CONNECT_TIMEOUT"),
			ReadTimeout:    v.GetDuration("PRIMARY_READ_TIMEOUT"),
			WriteTimeout:   v.GetDuration("PRIMARY_WRITE_TIMEOUT"),
			HealthPath:     v.GetString("PRIMARY_HEALTH_PATH"),
			HealthProbe:    v.GetBool("PRIMARY_HEALTH_PROBE"),
		},

		Failover: FailoverConfig{
			Fallbacks:         fallbacks,
			AutoFailover:      v.GetBool("AUTO_FAILOVER"),
			RetryCountPrimary: v.GetInt("RETRY_COUNT_PRIMARY"),
			RetryDelayPrimary: v.GetDuration("RETRY_DELAY_PRIMARY"),
			FallbackAttempts:  v.GetInt("FALLBACK_ATTEMPTS"),
			FallbackTimeout:   v.GetDuration("FALLBACK_TIMEOUT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			SuccessThreshold: v.GetInt("CB_SUCCESS_THRESHOLD"),
			RecoveryTimeout:  v.GetDuration("CB_RECOVERY_TIMEOUT"),
			HalfOpenMax:      v.GetInt("CB_HALF_OPEN_MAX"),
		},

		Retry: RetryConfig{
			MaxDelay:         v.GetDuration("RETRY_MAX_DELAY"),
			ExponentialBase:  v.GetFloat64("RETRY_EXPONENTIAL_BASE"),
			Jitter:           v.GetBool("RETRY_JITTER"),
			RetryOnRateLimit: v.GetBool("RETRY_ON_RATE_LIMIT"),
		},

		ControlPlane: ControlPlaneConfig{
			URL:      v.GetString("CONTROL_PLANE_URL"),
			Token:    v.GetString("CONTROL_PLANE_TOKEN"),
			File:     v.GetString("BACKEND_CONFIG_FILE"),
			CacheTTL: v.GetDuration("CONFIG_CACHE_TTL"),
		},

		Providers:                make(map[providers.Kind]ProviderConfig, len(providerEnv)),
		AnthropicMaxOutputTokens: v.GetInt("ANTHROPIC_MAX_OUTPUT_TOKENS"),

		Redis:         RedisConfig{URL: v.GetString("REDIS_URL")},
		SnapshotStore: strings.ToLower(v.GetString("SNAPSHOT_STORE")),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins:    splitList(v.GetString("CORS_ORIGINS")),
		AdminJWTSecret: v.GetString("ADMIN_JWT_SECRET"),
		ClickHouseDSN:  v.GetString("CLICKHOUSE_DSN"),
	}

	for kind, env := range providerEnv {
		pc := ProviderConfig{
			APIKey:  v.GetString(env.key + "_API_KEY"),
			BaseURL: v.GetString(env.base + "_BASE_URL"),
		}
		if pc.APIKey != "" || pc.BaseURL != "" {
			cfg.Providers[kind] = pc
		}
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Primary.URL == "" && len(c.Failover.Fallbacks) == 0 && !c.ControlPlane.Enabled() {
		return fmt.Errorf(
			"config: nothing to route to; set PRIMARY_URL, FALLBACK_MODELS, " +
				"CONTROL_PLANE_URL or BACKEND_CONFIG_FILE",
		)
	}

	// Redis URL is required when the snapshot store is "redis".
	if c.SnapshotStore == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when SNAPSHOT_STORE=redis; " +
				"set SNAPSHOT_STORE=memory to keep the snapshot in-process",
		)
	}

	switch c.SnapshotStore {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid SNAPSHOT_STORE %q; must be one of: redis, memory, none",
			c.SnapshotStore,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Failover.RetryCountPrimary < 1 {
		return fmt.Errorf("config: RETRY_COUNT_PRIMARY must be >= 1, got %d", c.Failover.RetryCountPrimary)
	}
	if c.Failover.RetryDelayPrimary < 0 {
		return fmt.Errorf("config: RETRY_DELAY_PRIMARY must not be negative")
	}
	if c.Failover.FallbackAttempts < 1 {
		return fmt.Errorf("config: FALLBACK_ATTEMPTS must be >= 1, got %d", c.Failover.FallbackAttempts)
	}
	if c.Failover.FallbackTimeout <= 0 {
		return fmt.Errorf("config: FALLBACK_TIMEOUT must be a positive duration")
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: CB_SUCCESS_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.SuccessThreshold)
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: CB_RECOVERY_TIMEOUT must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenMax < 1 {
		return fmt.Errorf("config: CB_HALF_OPEN_MAX must be >= 1, got %d", c.CircuitBreaker.HalfOpenMax)
	}

	if c.Retry.ExponentialBase < 1 {
		return fmt.Errorf("config: RETRY_EXPONENTIAL_BASE must be >= 1, got %v", c.Retry.ExponentialBase)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must not be negative")
	}

	return c.BackendConfig().Validate()
}

// BackendConfig builds the seed backend config.
func (c *Config) BackendConfig() *controlplane.BackendConfig {
	bc := &controlplane.BackendConfig{
		Fallbacks:         append([]controlplane.FallbackModel(nil), c.Failover.Fallbacks...),
		Credentials:       make(map[providers.Kind]controlplane.Credential, len(c.Providers)),
		AutoFailover:      c.Failover.AutoFailover,
		RetryCountPrimary: c.Failover.RetryCountPrimary,
		RetryDelayPrimary: c.Failover.RetryDelayPrimary,
		ConfigCacheTTL:    c.ControlPlane.CacheTTL,
	}
	if c.Primary.URL != "" {
		bc.Primary = &controlplane.PrimaryEndpoint{
			URL:            c.Primary.URL,
			Model:          c.Primary.Model,
			APIKey:         c.Primary.APIKey,
			Timeout:        c.Primary.Timeout,
			ConnectTimeout: c.Primary.ConnectTimeout,
			ReadTimeout:    c.Primary.ReadTimeout,
			WriteTimeout:   c.Primary.WriteTimeout,
			HealthPath:     c.Primary.HealthPath,
		}
	}
	for kind, pc := range c.Providers {
		bc.Credentials[kind] = controlplane.Credential{APIKey: pc.APIKey, BaseURL: pc.BaseURL}
	}
	return bc
}

// BreakerConfig is the default config of every backend breaker.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:      c.CircuitBreaker.FailureThreshold,
		SuccessThreshold:      c.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:       c.CircuitBreaker.RecoveryTimeout,
		HalfOpenMaxConcurrent: c.CircuitBreaker.HalfOpenMax,
	}
}

// RetryConfig is the base backoff policy.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:       c.Failover.RetryCountPrimary,
		BaseDelay:        c.Failover.RetryDelayPrimary,
		MaxDelay:         c.Retry.MaxDelay,
		ExponentialBase:  c.Retry.ExponentialBase,
		Jitter:           c.Retry.Jitter,
		RetryOnRateLimit: c.Retry.RetryOnRateLimit,
	}
}

// ParseFallbackModels parses "provider/model[:priority]" entries separated by
// commas. The model may itself contain slashes and colons; only a numeric
// suffix after the last colon is taken as the priority. Entries without one
// get their list index.
func ParseFallbackModels(raw string) ([]controlplane.FallbackModel, error) {
	var out []controlplane.FallbackModel
	for i, entry := range splitList(raw) {
		provider, model, ok := strings.Cut(entry, "/")
		if !ok || model == "" {
			return nil, fmt.Errorf("config: invalid FALLBACK_MODELS entry %q; want provider/model[:priority]", entry)
		}
		kind, err := providers.ParseKind(provider)
		if err != nil || kind == providers.KindPrimary {
			return nil, fmt.Errorf("config: invalid FALLBACK_MODELS entry %q: unsupported provider %q", entry, provider)
		}

		priority := i
		if idx := strings.LastIndex(model, ":"); idx > 0 {
			if p, err := strconv.Atoi(model[idx+1:]); err == nil {
				if p < 0 {
					return nil, fmt.Errorf("config: invalid FALLBACK_MODELS entry %q: negative priority", entry)
				}
				priority = p
				model = model[:idx]
			}
		}

		out = append(out, controlplane.FallbackModel{Provider: kind, Model: model, Priority: priority})
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
