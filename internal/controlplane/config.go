// Package controlplane resolves the BackendConfig that drives failover: the
// primary GPU endpoint, the ordered fallback chain, provider credentials and
// the behaviour flags.
//
// The published config is immutable. A refresh builds a new value and swaps
// it in atomically; readers never observe a partially updated config.
package controlplane

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Defaults applied when neither the seed nor the control plane sets a value.
const (
	DefaultRetryCountPrimary = 3
	DefaultRetryDelayPrimary = time.Second
	DefaultConfigCacheTTL    = 60 * time.Second
)

// PrimaryEndpoint describes the self-hosted GPU endpoint.
type PrimaryEndpoint struct {
	URL            string
	Model          string
	APIKey         string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	HealthPath     string
}

// FallbackModel is one entry of the fallback chain. Lower Priority is tried
// first; ties keep list order.
type FallbackModel struct {
	Provider providers.Kind
	Model    string
	Priority int
}

// Backend is the breaker name of the entry.
func (f FallbackModel) Backend() string { return providers.BackendName(f.Provider, f.Model) }

// Source is the provenance label of a response served by the entry.
func (f FallbackModel) Source() string { return providers.FallbackSource(f.Provider, f.Model) }

// Credential authenticates against one fallback provider.
type Credential struct {
	APIKey  string
	BaseURL string
}

// BackendConfig is the aggregate that drives one request's failover path.
// Values published by a Source must not be mutated; use Clone.
type BackendConfig struct {
	Primary     *PrimaryEndpoint
	Fallbacks   []FallbackModel
	Credentials map[providers.Kind]Credential

	AutoFailover      bool
	RetryCountPrimary int
	RetryDelayPrimary time.Duration
	ConfigCacheTTL    time.Duration
}

// SortedFallbacks returns the fallbacks ordered by ascending priority. The
// sort is stable and works on a copy.
func (c *BackendConfig) SortedFallbacks() []FallbackModel {
	out := slices.Clone(c.Fallbacks)
	slices.SortStableFunc(out, func(a, b FallbackModel) int { return a.Priority - b.Priority })
	return out
}

// Credential returns the credential configured for kind.
func (c *BackendConfig) Credential(kind providers.Kind) (Credential, bool) {
	cred, ok := c.Credentials[kind]
	return cred, ok && cred.APIKey != ""
}

// PrimaryAttempts is RetryCountPrimary clamped to at least one attempt.
func (c *BackendConfig) PrimaryAttempts() int {
	if c.RetryCountPrimary < 1 {
		return 1
	}
	return c.RetryCountPrimary
}

// TTL is ConfigCacheTTL with the default applied.
func (c *BackendConfig) TTL() time.Duration {
	if c.ConfigCacheTTL <= 0 {
		return DefaultConfigCacheTTL
	}
	return c.ConfigCacheTTL
}

// Clone returns a deep copy.
func (c *BackendConfig) Clone() *BackendConfig {
	out := *c
	if c.Primary != nil {
		p := *c.Primary
		out.Primary = &p
	}
	out.Fallbacks = slices.Clone(c.Fallbacks)
	if c.Credentials != nil {
		out.Credentials = make(map[providers.Kind]Credential, len(c.Credentials))
		for k, v := range c.Credentials {
			out.Credentials[k] = v
		}
	}
	return &out
}

// Validate checks structural consistency. It returns a configuration_error.
// Missing credentials are reported by the cascade when the entry is reached.
func (c *BackendConfig) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Primary, validation.By(validatePrimary)),
		validation.Field(&c.Fallbacks, validation.Each(validation.By(validateFallback))),
		validation.Field(&c.Credentials, validation.By(validateCredentials)),
		validation.Field(&c.RetryCountPrimary, validation.Min(0)),
		validation.Field(&c.RetryDelayPrimary, validation.Min(time.Duration(0))),
		validation.Field(&c.ConfigCacheTTL, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return apierr.Configuration("backend config: %v", err)
	}
	return nil
}

func validatePrimary(value interface{}) error {
	p, ok := value.(*PrimaryEndpoint)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a PrimaryEndpoint")
	}
	if p == nil {
		return nil
	}
	return validation.ValidateStruct(p,
		validation.Field(&p.URL, validation.Required, validation.By(validateHTTPURL)),
		validation.Field(&p.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&p.ConnectTimeout, validation.Min(time.Duration(0))),
		validation.Field(&p.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&p.WriteTimeout, validation.Min(time.Duration(0))),
	)
}

func validateFallback(value interface{}) error {
	f, ok := value.(FallbackModel)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a FallbackModel")
	}
	if !isFallbackKind(f.Provider) {
		return validation.NewError("validation_unknown_provider", fmt.Sprintf("unsupported provider %q", f.Provider))
	}
	if f.Model == "" {
		return validation.NewError("validation_empty_model", "model cannot be empty")
	}
	if f.Priority < 0 {
		return validation.NewError("validation_negative_priority", "priority cannot be negative")
	}
	return nil
}

func validateCredentials(value interface{}) error {
	creds, ok := value.(map[providers.Kind]Credential)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a credential map")
	}
	for kind, cred := range creds {
		if !isFallbackKind(kind) {
			return validation.NewError("validation_unknown_provider", fmt.Sprintf("credential for unsupported provider %q", kind))
		}
		if cred.BaseURL != "" {
			if err := validateHTTPURL(cred.BaseURL); err != nil {
				return validation.NewError("validation_invalid_url", fmt.Sprintf("%s: base url must be an http(s) URL", kind))
			}
		}
	}
	return nil
}

func validateHTTPURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}

func isFallbackKind(k providers.Kind) bool {
	return slices.Contains(providers.FallbackKinds, k)
}
