// Package factory builds provider adapters from backend config entries and
// caches them, so a config refresh with unchanged credentials keeps reusing
// the same SDK clients and connection pools.
package factory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nulpointcorp/inference-failover/internal/controlplane"
	"github.com/nulpointcorp/inference-failover/internal/providers"
	anthropicprov "github.com/nulpointcorp/inference-failover/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/inference-failover/internal/providers/gemini"
	"github.com/nulpointcorp/inference-failover/internal/providers/openaicompat"
	"github.com/nulpointcorp/inference-failover/internal/providers/primary"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Options tunes the adapters the factory builds.
type Options struct {
	Logger *slog.Logger
	// HTTPClient is shared by every fallback adapter. Nil gives each adapter
	// its own client with the fallback timeout.
	HTTPClient *http.Client
	// AnthropicMaxOutputTokens caps max_tokens for anthropic; zero keeps the
	// adapter default.
	AnthropicMaxOutputTokens int
}

// Factory creates adapters lazily. It is safe for concurrent use.
type Factory struct {
	ctx  context.Context
	opts Options

	mu       sync.Mutex
	adapters map[string]providers.Provider
}

// New returns a Factory. ctx is used for SDK clients that take one at
// construction time.
func New(ctx context.Context, opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Factory{
		ctx:      ctx,
		opts:     opts,
		adapters: make(map[string]providers.Provider),
	}
}

// Primary returns the adapter for the GPU endpoint.
func (f *Factory) Primary(ep *controlplane.PrimaryEndpoint) (providers.Provider, error) {
	if ep == nil {
		return nil, apierr.Configuration("no primary endpoint configured")
	}

	key := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%d|%s",
		providers.KindPrimary, ep.URL, ep.Model, hashKey(ep.APIKey),
		ep.Timeout, ep.ConnectTimeout, ep.ReadTimeout, ep.WriteTimeout, ep.HealthPath)

	return f.cached(key, func() (providers.Provider, error) {
		return primary.New(primary.Config{
			URL:            ep.URL,
			Model:          ep.Model,
			APIKey:         ep.APIKey,
			Timeout:        ep.Timeout,
			ConnectTimeout: ep.ConnectTimeout,
			ReadTimeout:    ep.ReadTimeout,
			WriteTimeout:   ep.WriteTimeout,
			HealthPath:     ep.HealthPath,
		})
	})
}

// Fallback returns the adapter for kind. A missing API key is a
// configuration_error.
func (f *Factory) Fallback(kind providers.Kind, cred controlplane.Credential) (providers.Provider, error) {
	if kind == providers.KindPrimary {
		return nil, apierr.Configuration("primary is not a fallback provider")
	}
	if cred.APIKey == "" {
		return nil, apierr.New(apierr.KindConfiguration, string(kind), "no credentials configured for %s", kind)
	}

	key := fmt.Sprintf("%s|%s|%s", kind, cred.BaseURL, hashKey(cred.APIKey))

	return f.cached(key, func() (providers.Provider, error) {
		return f.build(kind, cred)
	})
}

// Len reports how many adapters are cached.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func (f *Factory) cached(key string, build func() (providers.Provider, error)) (providers.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.adapters[key]; ok {
		return p, nil
	}
	p, err := build()
	if err != nil {
		return nil, err
	}
	f.adapters[key] = p
	f.opts.Logger.Debug("adapter_created", slog.String("provider", p.Name()))
	return p, nil
}

func (f *Factory) build(kind providers.Kind, cred controlplane.Credential) (providers.Provider, error) {
	switch {
	case kind.OpenAICompatible():
		var opts []openaicompat.Option
		if cred.BaseURL != "" {
			opts = append(opts, openaicompat.WithBaseURL(cred.BaseURL))
		}
		if f.opts.HTTPClient != nil {
			opts = append(opts, openaicompat.WithHTTPClient(f.opts.HTTPClient))
		}
		return openaicompat.New(kind, cred.APIKey, opts...), nil

	case kind == providers.KindAnthropic:
		var opts []anthropicprov.Option
		if cred.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cred.BaseURL))
		}
		if f.opts.HTTPClient != nil {
			opts = append(opts, anthropicprov.WithHTTPClient(f.opts.HTTPClient))
		}
		opts = append(opts, anthropicprov.WithMaxOutputTokens(f.opts.AnthropicMaxOutputTokens))
		return anthropicprov.New(cred.APIKey, opts...), nil

	case kind == providers.KindGemini:
		var opts []geminiprov.Option
		if cred.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cred.BaseURL))
		}
		if f.opts.HTTPClient != nil {
			opts = append(opts, geminiprov.WithHTTPClient(f.opts.HTTPClient))
		}
		p, err := geminiprov.New(f.ctx, cred.APIKey, opts...)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindConfiguration, string(kind), err)
		}
		return p, nil
	}
	return nil, apierr.Configuration("unsupported provider %q", kind)
}

// hashKey keeps raw API keys out of map keys and logs.
func hashKey(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}
