package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inference-failover/internal/providers"
)

const (
	providerName           = "anthropic"
	defaultMaxTokens       = 4096
	defaultMaxOutputTokens = 8192
)

// Provider implements providers.Provider and providers.Streamer for
// Anthropic (official SDK).
type Provider struct {
	apiKey          string
	baseURL         string
	maxOutputTokens int
	httpClient      *http.Client
	client          anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithMaxOutputTokens caps max_tokens sent upstream.
func WithMaxOutputTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxOutputTokens = n
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:          apiKey,
		maxOutputTokens: defaultMaxOutputTokens,
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
		option.WithMaxRetries(0),
	}
	// The SDK appends /v1/... itself; only override the host when asked.
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = anthropic.NewClient(reqOpts...)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	return classify(err)
}

func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	msg, err := p.client.Messages.New(ctx, p.ToWire(req))
	if err != nil {
		return nil, classify(err)
	}
	return FromWire(msg), nil
}

// Stream implements providers.Streamer. The first SSE event (normally
// message_start) is awaited before returning.
func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.ToWire(req))

	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err != nil {
			return nil, classify(err)
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

		if c, ok := chunkFromEvent(first); ok && !emit(c) {
			return
		}
		for stream.Next() {
			if c, ok := chunkFromEvent(stream.Current()); ok && !emit(c) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(providers.StreamChunk{Err: classify(err)})
		}
	}()

	return ch, nil
}

// ToWire builds Messages API parameters. Leading system/developer turns are
// joined into the system prompt; a system turn after the conversation has
// started is sent as a user turn. max_tokens defaults to 4096 and is capped
// at the configured maximum.
func (p *Provider) ToWire(req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	leading := true
	for _, m := range req.Messages {
		role := strings.ToLower(m.Role)
		if leading && (role == "system" || role == "developer") {
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
			continue
		}
		leading = false
		msgs = append(msgs, toSDKMessage(role, m.Content))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens > p.maxOutputTokens {
		maxTokens = p.maxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

// FromWire concatenates the text blocks of msg and maps stop_reason and usage.
func FromWire(msg *anthropic.Message) *providers.Response {
	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}

	return &providers.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: finishReason(msg.StopReason),
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
}

func finishReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return providers.FinishStop
	case anthropic.StopReasonMaxTokens:
		return providers.FinishLength
	case anthropic.StopReasonToolUse:
		return providers.FinishToolCalls
	case anthropic.StopReasonRefusal:
		return providers.FinishContentFilter
	default:
		return string(r)
	}
}

func chunkFromEvent(ev anthropic.MessageStreamEventUnion) (providers.StreamChunk, bool) {
	switch e := ev.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch d := e.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text != "" {
				return providers.StreamChunk{Content: d.Text}, true
			}
		}
	case anthropic.MessageDeltaEvent:
		if e.Delta.StopReason != "" {
			return providers.StreamChunk{FinishReason: finishReason(e.Delta.StopReason)}, true
		}
	}
	return providers.StreamChunk{}, false
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if role == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// classify converts SDK errors into tagged errors. The upstream error
// message is extracted from the JSON body when present.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return providers.FromStatus(providerName, apiErr.StatusCode, header, errorMessage(apiErr.RawJSON(), apiErr.StatusCode), err)
	}
	return providers.Classify(providerName, err)
}

func errorMessage(raw string, status int) string {
	var body apiError
	if raw != "" && json.Unmarshal([]byte(raw), &body) == nil && body.Error != nil && body.Error.Message != "" {
		return body.Error.Type + ": " + body.Error.Message
	}
	return http.StatusText(status)
}
