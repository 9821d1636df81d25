// Package proxy is the HTTP surface of the failover gateway.
//
// The Gateway receives an OpenAI-compatible chat completion request, hands it
// to the failover orchestrator and writes the result back either as a JSON
// envelope or as Server-Sent Events. Every response names the backend that
// served it in the X-Served-By header.
//
// Key design constraints:
//   - Logger, metrics, request log and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - A stream never switches backend once the first byte is written.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-failover/internal/failover"
	"github.com/nulpointcorp/inference-failover/internal/logger"
	"github.com/nulpointcorp/inference-failover/internal/metrics"
	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/internal/ratelimit"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

const (
	headerServedBy = "X-Served-By"

	routeChat = "chat_completions"

	// maxRequestDuration bounds one request across the whole cascade.
	maxRequestDuration = 10 * time.Minute
)

// ConfigInvalidator drops the cached backend config so the next request
// re-resolves it. *controlplane.Source implements it.
type ConfigInvalidator interface {
	Invalidate()
}

// GatewayOptions holds optional collaborators of a Gateway. All fields can be
// omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Limiter guards POST /v1/chat/completions. Nil disables rate limiting.
	Limiter ratelimit.Limiter

	// RequestLog receives one record per completion.
	RequestLog *logger.Logger

	// Health serves GET /health. Nil answers a static "ok".
	Health *HealthChecker

	// Config is invalidated by POST /admin/config/refresh.
	Config ConfigInvalidator

	// CORSOrigins lists allowed origins. Empty or ["*"] allows all.
	CORSOrigins []string

	// AdminJWTSecret enables HS256 bearer auth on /admin routes.
	AdminJWTSecret string

	// MaxRequestDuration bounds one request. Default: 10m.
	MaxRequestDuration time.Duration
}

// Gateway is the HTTP front of the orchestrator. All dependencies are
// injected via the constructor so they can be replaced in unit tests.
type Gateway struct {
	orch    *failover.Orchestrator
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	limiter   ratelimit.Limiter
	reqLogger *logger.Logger
	health    *HealthChecker
	config    ConfigInvalidator

	corsOrigins    []string
	adminJWTSecret []byte
	maxDuration    time.Duration

	srv *fasthttp.Server
}

// NewGateway creates a Gateway in front of orch.
func NewGateway(baseCtx context.Context, orch *failover.Orchestrator, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if orch == nil {
		panic("gateway: orchestrator must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxDur := opts.MaxRequestDuration
	if maxDur <= 0 {
		maxDur = maxRequestDuration
	}

	g := &Gateway{
		orch:        orch,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		limiter:     opts.Limiter,
		reqLogger:   opts.RequestLog,
		health:      opts.Health,
		config:      opts.Config,
		corsOrigins: opts.CORSOrigins,
		maxDuration: maxDur,
	}
	if opts.AdminJWTSecret != "" {
		g.adminJWTSecret = []byte(opts.AdminJWTSecret)
	}
	return g
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
		Stop        stopList         `json:"stop"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Source  string           `json:"source"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}

	chunkDelta struct {
		Content string `json:"content,omitempty"`
	}
	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}
	outboundChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Source  string        `json:"source"`
		Choices []chunkChoice `json:"choices"`
	}
)

// stopList accepts the OpenAI "stop" field as a string or a list of strings.
type stopList []string

func (s *stopList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = stopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("field 'stop' must be a string or a list of strings")
	}
	*s = many
	return nil
}

// completion carries the per-request bookkeeping shared by the JSON and SSE
// paths.
type completion struct {
	start     time.Time
	reqID     string
	model     string
	stream    bool
	reqBytes  int
	source    string
	kind      apierr.Kind
	inTokens  int
	outTokens int
}

// dispatchChat is the core handler for /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	c := &completion{start: time.Now(), reqBytes: len(ctx.PostBody())}
	c.reqID = requestIDOf(ctx)
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		g.finish(c, ctx.Response.StatusCode(), len(ctx.Response.Body()))
	}()

	// 1. Parse request body.
	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		c.kind = apierr.KindValidation
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(in.Messages) == 0 {
		c.kind = apierr.KindValidation
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	c.model = in.Model
	c.stream = in.Stream

	g.log.DebugContext(ctx, "request",
		slog.String("request_id", c.reqID),
		slog.String("model", in.Model),
		slog.Bool("stream", in.Stream),
	)

	// 2. Rate limit check (RPM). A limiter error fails open.
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", c.reqID),
			)
			c.kind = apierr.KindRateLimited
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
		if err != nil {
			g.log.WarnContext(ctx, "rate_limit_check_failed",
				slog.String("request_id", c.reqID),
				slog.String("error", err.Error()),
			)
		}
	}

	// 3. Build the canonical request.
	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	req := &providers.Request{
		Model:       in.Model,
		Messages:    msgs,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Stop:        in.Stop,
		RequestID:   c.reqID,
	}

	// 4a. Streaming. The stream outlives this handler, so its context is
	// derived from the server context instead of the request.
	if in.Stream {
		sctx, cancel := context.WithTimeout(g.baseCtx, g.maxDuration)
		s, err := g.orch.Stream(sctx, req)
		if err != nil {
			cancel()
			g.fail(ctx, c, err)
			return
		}
		streaming = true
		c.source = s.Source
		ctx.Response.Header.Set(headerServedBy, s.Source)
		writeSSE(ctx, c, s, cancel, func(outputTokens int, streamErr error) {
			c.outTokens = outputTokens
			status := fasthttp.StatusOK
			if streamErr != nil {
				c.kind = apierr.KindOf(streamErr)
				g.log.WarnContext(g.baseCtx, "stream_interrupted",
					slog.String("request_id", c.reqID),
					slog.String("source", c.source),
					slog.String("kind", string(c.kind)),
					slog.String("error", streamErr.Error()),
				)
			}
			g.finish(c, status, -1)
		})
		return
	}

	// 4b. Non-streaming.
	cctx, cancel := context.WithTimeout(ctx, g.maxDuration)
	defer cancel()

	resp, err := g.orch.Complete(cctx, req)
	if err != nil {
		g.fail(ctx, c, err)
		return
	}
	c.source = resp.Source
	c.inTokens = resp.Usage.PromptTokens
	c.outTokens = resp.Usage.CompletionTokens

	finish := resp.FinishReason
	if finish == "" {
		finish = providers.FinishStop
	}
	out := outboundResponse{
		ID:      responseID(resp.ID, c.reqID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Source:  resp.Source,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: finish,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", c.reqID),
		slog.String("source", resp.Source),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", c.inTokens),
		slog.Int("output_tokens", c.outTokens),
		slog.Int64("latency_ms", time.Since(c.start).Milliseconds()),
	)

	ctx.Response.Header.Set(headerServedBy, resp.Source)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// fail writes err and records its kind.
func (g *Gateway) fail(ctx *fasthttp.RequestCtx, c *completion, err error) {
	c.kind = apierr.KindOf(err)
	g.log.ErrorContext(ctx, "completion_failed",
		slog.String("request_id", c.reqID),
		slog.String("kind", string(c.kind)),
		slog.String("error", err.Error()),
		slog.Int64("latency_ms", time.Since(c.start).Milliseconds()),
	)
	apierr.WriteError(ctx, err)
}

// finish emits metrics and the request log record for c.
func (g *Gateway) finish(c *completion, status, respBytes int) {
	dur := time.Since(c.start)
	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, status, dur, c.reqBytes, respBytes)
		g.metrics.RecordCompletion(c.source, status, c.stream, dur)
		if c.source != "" {
			g.metrics.AddTokens(c.source, c.inTokens, c.outTokens)
		}
	}
	g.logRequest(c, status, dur)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(c *completion, status int, latency time.Duration) {
	if g.reqLogger == nil {
		return
	}

	ms := latency.Milliseconds()
	if ms > int64(^uint32(0)) {
		ms = int64(^uint32(0))
	}

	g.reqLogger.Log(logger.RequestLog{
		RequestID:    c.reqID,
		Source:       c.source,
		Model:        c.model,
		Stream:       c.stream,
		InputTokens:  uint32(max(c.inTokens, 0)),
		OutputTokens: uint32(max(c.outTokens, 0)),
		LatencyMs:    uint32(ms),
		Status:       uint16(status),
		ErrorKind:    string(c.kind),
	})
}

func responseID(id, reqID string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + reqID
}

// writeSSE streams chunks as Server-Sent Events. When the writer stops, stop
// cancels the upstream stream before the remaining chunks are drained.
// onComplete is then called with an estimated output token count (about
// chars/4) and the mid-stream error, if any.
//
// A mid-stream error is sent as one "error" event in the apierr envelope,
// followed by [DONE].
func writeSSE(ctx *fasthttp.RequestCtx, c *completion, s *failover.Stream, stop context.CancelFunc, onComplete func(outputTokens int, err error)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := "chatcmpl-" + c.reqID
	model := c.model
	source := s.Source

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var (
			sb        strings.Builder
			streamErr error
		)
		defer func() {
			if r := recover(); r != nil && streamErr == nil {
				streamErr = fmt.Errorf("stream writer panic: %v", r)
			}
			// A client that left must not keep the backend generating.
			stop()
			for range s.Chunks {
			}
			estimated := sb.Len() / 4
			if estimated == 0 && sb.Len() > 0 {
				estimated = 1
			}
			if onComplete != nil {
				onComplete(estimated, streamErr)
			}
		}()

		for chunk := range s.Chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				writeSSEError(w, chunk.Err)
				break
			}
			sb.WriteString(chunk.Content)

			var finish *string
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				finish = &fr
			}
			data, _ := json.Marshal(outboundChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Source:  source,
				Choices: []chunkChoice{{Delta: chunkDelta{Content: chunk.Content}, FinishReason: finish}},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				streamErr = apierr.Wrap(apierr.KindCanceled, source, err)
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()
	})
}

func writeSSEError(w *bufio.Writer, err error) {
	kind := apierr.KindOf(err)
	data, _ := json.Marshal(map[string]any{
		"error": apierr.APIError{
			Message: err.Error(),
			Type:    apierr.TypeProviderError,
			Code:    string(kind),
		},
	})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	_ = w.Flush()
}
