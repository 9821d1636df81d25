package controlplane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Document is the control-plane wire format:
//
//	{
//	  "primary":   {"url": "...", "model": "...", "timeout": 120, "healthPath": "/health"},
//	  "fallbacks": [{"provider": "openrouter", "model": "gpt-4o-mini", "priority": 0}],
//	  "providerCredentials": {"openrouter": "sk-...", "anthropic": {"apiKey": "...", "baseUrl": "..."}},
//	  "autoFailover": true,
//	  "retryCountPrimary": 3,
//	  "retryDelayPrimary": "500ms",
//	  "configCacheTTL": 60
//	}
//
// Every field is optional. Absent fields keep the seed value.
type Document struct {
	Primary             *DocumentPrimary      `json:"primary,omitempty" yaml:"primary,omitempty"`
	Fallbacks           []DocumentFallback    `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	ProviderCredentials map[string]Credential `json:"providerCredentials,omitempty" yaml:"providerCredentials,omitempty"`
	AutoFailover        *bool                 `json:"autoFailover,omitempty" yaml:"autoFailover,omitempty"`
	RetryCountPrimary   *int                  `json:"retryCountPrimary,omitempty" yaml:"retryCountPrimary,omitempty"`
	RetryDelayPrimary   *Duration             `json:"retryDelayPrimary,omitempty" yaml:"retryDelayPrimary,omitempty"`
	ConfigCacheTTL      *Duration             `json:"configCacheTTL,omitempty" yaml:"configCacheTTL,omitempty"`
}

type DocumentPrimary struct {
	URL        string    `json:"url,omitempty" yaml:"url,omitempty"`
	Model      string    `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey     string    `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Timeout    *Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	HealthPath string    `json:"healthPath,omitempty" yaml:"healthPath,omitempty"`
}

type DocumentFallback struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Priority *int   `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Format selects the document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from a file extension; JSON is the default.
func FormatForPath(path string) Format {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Decode parses a document. Unknown fields are ignored.
func Decode(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, apierr.Configuration("decode yaml backend config: %v", err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, apierr.Configuration("decode json backend config: %v", err)
		}
	}
	return &doc, nil
}

// Apply overlays the document on seed and returns the merged config. seed is
// not modified. A fallback entry without a priority gets its list position.
func (d *Document) Apply(seed *BackendConfig) (*BackendConfig, error) {
	out := seed.Clone()

	if d.Primary != nil {
		p := &PrimaryEndpoint{}
		if out.Primary != nil {
			p = out.Primary
		}
		if d.Primary.URL != "" {
			p.URL = d.Primary.URL
		}
		if d.Primary.Model != "" {
			p.Model = d.Primary.Model
		}
		if d.Primary.APIKey != "" {
			p.APIKey = d.Primary.APIKey
		}
		if d.Primary.Timeout != nil {
			p.Timeout = d.Primary.Timeout.Duration()
		}
		if d.Primary.HealthPath != "" {
			p.HealthPath = d.Primary.HealthPath
		}
		out.Primary = p
	}

	if d.Fallbacks != nil {
		out.Fallbacks = make([]FallbackModel, 0, len(d.Fallbacks))
		for i, f := range d.Fallbacks {
			kind, err := providers.ParseKind(f.Provider)
			if err != nil || kind == providers.KindPrimary {
				return nil, apierr.Configuration("fallback %d: unsupported provider %q", i, f.Provider)
			}
			prio := i
			if f.Priority != nil {
				prio = *f.Priority
			}
			out.Fallbacks = append(out.Fallbacks, FallbackModel{Provider: kind, Model: f.Model, Priority: prio})
		}
	}

	if len(d.ProviderCredentials) > 0 {
		if out.Credentials == nil {
			out.Credentials = make(map[providers.Kind]Credential, len(d.ProviderCredentials))
		}
		for name, cred := range d.ProviderCredentials {
			kind, err := providers.ParseKind(name)
			if err != nil || kind == providers.KindPrimary {
				return nil, apierr.Configuration("credentials: unsupported provider %q", name)
			}
			merged := out.Credentials[kind]
			if cred.APIKey != "" {
				merged.APIKey = cred.APIKey
			}
			if cred.BaseURL != "" {
				merged.BaseURL = cred.BaseURL
			}
			out.Credentials[kind] = merged
		}
	}

	if d.AutoFailover != nil {
		out.AutoFailover = *d.AutoFailover
	}
	if d.RetryCountPrimary != nil {
		out.RetryCountPrimary = *d.RetryCountPrimary
	}
	if d.RetryDelayPrimary != nil {
		out.RetryDelayPrimary = d.RetryDelayPrimary.Duration()
	}
	if d.ConfigCacheTTL != nil {
		out.ConfigCacheTTL = d.ConfigCacheTTL.Duration()
	}
	return out, nil
}

// Duration accepts a number of seconds or a Go duration string.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// credentialObject is the long form of a credential.
type credentialObject struct {
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(credentialObject(c))
}

// UnmarshalJSON accepts either a bare API key string or {apiKey, baseUrl}.
func (c *Credential) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &c.APIKey)
	}
	var obj credentialObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	*c = Credential(obj)
	return nil
}

func (c Credential) MarshalYAML() (interface{}, error) {
	return credentialObject(c), nil
}

func (c *Credential) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&c.APIKey)
	}
	var obj credentialObject
	if err := node.Decode(&obj); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	*c = Credential(obj)
	return nil
}
