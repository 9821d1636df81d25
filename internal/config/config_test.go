package config

import (
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-failover/internal/controlplane"
	"github.com/nulpointcorp/inference-failover/internal/providers"
)

func TestParseFallbackModels(t *testing.T) {
	got, err := ParseFallbackModels(" openrouter/openai/gpt-4o-mini:1, anthropic/claude-3-haiku:0 ,groq/llama3:8b ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []controlplane.FallbackModel{
		{Provider: providers.KindOpenRouter, Model: "openai/gpt-4o-mini", Priority: 1},
		{Provider: providers.KindAnthropic, Model: "claude-3-haiku", Priority: 0},
		// "8b" is not a priority, so it stays part of the model.
		{Provider: providers.KindGroq, Model: "llama3:8b", Priority: 2},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: want %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestParseFallbackModels_Errors(t *testing.T) {
	for _, raw := range []string{
		"openrouter",
		"openrouter/",
		"mistral/large",
		"primary/llama",
		"openai/gpt-4o:-1",
	} {
		if _, err := ParseFallbackModels(raw); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestParseFallbackModels_Empty(t *testing.T) {
	got, err := ParseFallbackModels("")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty chain, got %v (err=%v)", got, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRIMARY_URL", "http://gpu-0:8000/v1")
	t.Setenv("PRIMARY_MODEL", "llama-3-70b")
	t.Setenv("FALLBACK_MODELS", "openrouter/gpt-4o-mini,anthropic/claude-3-haiku")
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" || cfg.SnapshotStore != "memory" {
		t.Errorf("unexpected server defaults: %+v", cfg)
	}
	if !cfg.Failover.AutoFailover || cfg.Failover.RetryCountPrimary != 3 || cfg.Failover.RetryDelayPrimary != time.Second {
		t.Errorf("unexpected failover defaults: %+v", cfg.Failover)
	}
	if cfg.Failover.FallbackTimeout != 60*time.Second || cfg.Failover.FallbackAttempts != 1 {
		t.Errorf("unexpected fallback defaults: %+v", cfg.Failover)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 || cfg.CircuitBreaker.RecoveryTimeout != 30*time.Second {
		t.Errorf("unexpected breaker defaults: %+v", cfg.CircuitBreaker)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}

	bc := cfg.BackendConfig()
	if bc.Primary == nil || bc.Primary.URL != "http://gpu-0:8000/v1" || bc.Primary.Model != "llama-3-70b" {
		t.Fatalf("unexpected primary: %+v", bc.Primary)
	}
	if len(bc.Fallbacks) != 2 || bc.Fallbacks[1].Priority != 1 {
		t.Fatalf("unexpected fallbacks: %+v", bc.Fallbacks)
	}
	if cred, ok := bc.Credential(providers.KindOpenRouter); !ok || cred.APIKey != "or-key" {
		t.Errorf("missing openrouter credential: %+v", cred)
	}
	if _, ok := bc.Credential(providers.KindGemini); ok {
		t.Error("gemini must not have a credential")
	}
}

func TestLoad_GeminiUsesGoogleKey(t *testing.T) {
	t.Setenv("FALLBACK_MODELS", "gemini/gemini-1.5-flash")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("GEMINI_BASE_URL", "http://localhost:9999/v1beta")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pc := cfg.Providers[providers.KindGemini]
	if pc.APIKey != "g-key" || pc.BaseURL != "http://localhost:9999/v1beta" {
		t.Fatalf("unexpected gemini config: %+v", pc)
	}
	if cfg.BackendConfig().Primary != nil {
		t.Error("no PRIMARY_URL must give a nil primary")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "nothing configured",
			env:  map[string]string{},
			want: "nothing to route to",
		},
		{
			name: "redis store without url",
			env:  map[string]string{"PRIMARY_URL": "http://gpu:8000/v1", "SNAPSHOT_STORE": "redis"},
			want: "REDIS_URL is required",
		},
		{
			name: "bad log level",
			env:  map[string]string{"PRIMARY_URL": "http://gpu:8000/v1", "LOG_LEVEL": "trace"},
			want: "invalid LOG_LEVEL",
		},
		{
			name: "zero primary attempts",
			env:  map[string]string{"PRIMARY_URL": "http://gpu:8000/v1", "RETRY_COUNT_PRIMARY": "0"},
			want: "RETRY_COUNT_PRIMARY",
		},
		{
			name: "bad primary url",
			env:  map[string]string{"PRIMARY_URL": "ftp://gpu"},
			want: "backend config",
		},
		{
			name: "bad fallback entry",
			env:  map[string]string{"FALLBACK_MODELS": "nope"},
			want: "FALLBACK_MODELS",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_ControlPlaneAloneIsEnough(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "https://control.internal/backend-config")
	t.Setenv("CONFIG_CACHE_TTL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ControlPlane.Enabled() || cfg.BackendConfig().ConfigCacheTTL != 30*time.Second {
		t.Fatalf("unexpected control plane config: %+v", cfg.ControlPlane)
	}
}

func TestBreakerAndRetryConfig(t *testing.T) {
	cfg := &Config{
		Failover:       FailoverConfig{RetryCountPrimary: 4, RetryDelayPrimary: 2 * time.Second},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMax: 2},
		Retry:          RetryConfig{MaxDelay: 10 * time.Second, ExponentialBase: 3, Jitter: true},
	}

	bc := cfg.BreakerConfig()
	if bc.FailureThreshold != 3 || bc.HalfOpenMaxConcurrent != 2 || bc.RecoveryTimeout != time.Minute {
		t.Errorf("unexpected breaker config: %+v", bc)
	}
	rc := cfg.RetryConfig()
	if rc.MaxRetries != 4 || rc.BaseDelay != 2*time.Second || rc.ExponentialBase != 3 || !rc.Jitter || rc.RetryOnRateLimit {
		t.Errorf("unexpected retry config: %+v", rc)
	}
}
