// Package openaicompat provides a generic OpenAI-compatible inference
// adapter. One implementation serves every provider that speaks the OpenAI
// chat completions API (OpenAI, OpenRouter, Groq, Together AI, DeepSeek, xAI)
// and is also the wire client behind the primary GPU endpoint.
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/inference-failover/internal/providers"
)

// Provider is a configurable OpenAI-compatible adapter.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	client     openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL, e.g. "https://api.x.ai/v1".
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient replaces the HTTP client (custom transports and timeouts).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithName overrides the adapter name used in logs and errors.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New creates an adapter for kind. The base URL defaults to
// providers.DefaultBaseURLs[kind].
func New(kind providers.Kind, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:    string(kind),
		apiKey:  apiKey,
		baseURL: providers.DefaultBaseURLs[kind],
	}
	for _, o := range opts {
		o(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: providers.FallbackTimeout}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(p.httpClient),
		// Retries belong to the executor.
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(reqOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

// BaseURL returns the API root the adapter talks to.
func (p *Provider) BaseURL() string { return p.baseURL }

// Client exposes the underlying SDK client.
func (p *Provider) Client() *openaiSDK.Client { return &p.client }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	return p.classify(err)
}

func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, ToWire(req))
	if err != nil {
		return nil, p.classify(err)
	}
	return FromWire(resp), nil
}

// Stream implements providers.Streamer. It blocks until the first chunk
// arrives so that connection and status errors surface as a return value.
func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, ToWire(req))

	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err != nil {
			return nil, p.classify(err)
		}
		ch := make(chan providers.StreamChunk)
		close(ch)
		return ch, nil
	}
	first := stream.Current()

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		emit := func(c providers.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if c, ok := chunkFromWire(first); ok && !emit(c) {
			return
		}
		for stream.Next() {
			if c, ok := chunkFromWire(stream.Current()); ok && !emit(c) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(providers.StreamChunk{Err: p.classify(err)})
		}
	}()

	return ch, nil
}

// ToWire maps a canonical request onto SDK parameters.
func ToWire(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	switch len(req.Stop) {
	case 0:
	case 1:
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfString: openaiSDK.String(req.Stop[0])}
	default:
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

// FromWire maps an SDK completion onto the canonical response.
func FromWire(resp *openaiSDK.ChatCompletion) *providers.Response {
	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out
}

func chunkFromWire(chunk openaiSDK.ChatCompletionChunk) (providers.StreamChunk, bool) {
	if len(chunk.Choices) == 0 {
		return providers.StreamChunk{}, false
	}
	c := chunk.Choices[0]
	if c.Delta.Content == "" && c.FinishReason == "" {
		return providers.StreamChunk{}, false
	}
	return providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}, true
}

func (p *Provider) classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return providers.FromStatus(p.name, apiErr.StatusCode, header, msg, err)
	}
	return providers.Classify(p.name, err)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
