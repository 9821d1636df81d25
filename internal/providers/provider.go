// Package providers defines the canonical request/response model shared by
// every inference backend adapter, and the error classification used at the
// adapter edge.
//
// Each backend lives in its own sub-package and implements Provider.
// Adapters that can stream token deltas additionally implement Streamer.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage is token accounting for one completion.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}

	// Request is the canonical completion request.
	Request struct {
		Model       string
		Messages    []Message
		Temperature *float64
		MaxTokens   int
		Stop        []string
		RequestID   string
	}

	// Response is the canonical completion response.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		// Source is "primary" or "fallback:<provider>/<model>".
		Source string
	}

	// StreamChunk is one incremental piece of a streamed completion. A chunk
	// with a non-nil Err is the last one on the channel.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}
)

// Canonical finish reasons.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Provider is an inference backend adapter.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// Streamer is implemented by adapters that stream natively. Stream waits for
// the first upstream event before returning, so a failure that happens
// before any token is returned as an error rather than on the channel.
type Streamer interface {
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
}

// Kind identifies a backend family.
type Kind string

const (
	KindPrimary    Kind = "primary"
	KindOpenAI     Kind = "openai"
	KindOpenRouter Kind = "openrouter"
	KindAnthropic  Kind = "anthropic"
	KindGemini     Kind = "gemini"
	KindGroq       Kind = "groq"
	KindTogether   Kind = "together"
	KindDeepSeek   Kind = "deepseek"
	KindXAI        Kind = "xai"
)

// FallbackKinds lists the providers that may appear in a fallback chain.
var FallbackKinds = []Kind{
	KindOpenAI,
	KindOpenRouter,
	KindAnthropic,
	KindGemini,
	KindGroq,
	KindTogether,
	KindDeepSeek,
	KindXAI,
}

// DefaultBaseURLs holds the API root of every OpenAI-compatible provider.
var DefaultBaseURLs = map[Kind]string{
	KindOpenAI:     "https://api.openai.com/v1",
	KindOpenRouter: "https://openrouter.ai/api/v1",
	KindGroq:       "https://api.groq.com/openai/v1",
	KindTogether:   "https://api.together.xyz/v1",
	KindDeepSeek:   "https://api.deepseek.com/v1",
	KindXAI:        "https://api.x.ai/v1",
}

// OpenAICompatible reports whether k speaks the OpenAI chat completions API.
func (k Kind) OpenAICompatible() bool {
	_, ok := DefaultBaseURLs[k]
	return ok
}

// ParseKind normalises s and rejects providers outside the supported set.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == KindPrimary {
		return k, nil
	}
	for _, f := range FallbackKinds {
		if k == f {
			return k, nil
		}
	}
	return "", apierr.Configuration("unsupported provider %q", s)
}

// Default timeouts.
const (
	// FallbackTimeout bounds a single fallback attempt.
	FallbackTimeout = 60 * time.Second
	// HealthCheckTimeout bounds a single health probe.
	HealthCheckTimeout = 5 * time.Second
)

// SourcePrimary is the provenance label of a primary response.
const SourcePrimary = "primary"

// FallbackSource formats the provenance label of a fallback response.
func FallbackSource(kind Kind, model string) string {
	return fmt.Sprintf("fallback:%s/%s", kind, model)
}

// BackendName is the breaker name of a fallback entry.
func BackendName(kind Kind, model string) string {
	return fmt.Sprintf("%s/%s", kind, model)
}

// SingleChunk replays a complete response as a one-chunk stream.
func SingleChunk(resp *Response) <-chan StreamChunk {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: resp.Content, FinishReason: resp.FinishReason}
	close(ch)
	return ch
}
