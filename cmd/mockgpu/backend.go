package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Failure modes a backend can be switched into.
const (
	modeOK        = "ok"
	modeDown      = "down"
	modeError     = "error"
	modeRateLimit = "ratelimit"
	modeSlow      = "slow"
	modeBroken    = "broken"
)

var validModes = map[string]bool{
	modeOK: true, modeDown: true, modeError: true,
	modeRateLimit: true, modeSlow: true, modeBroken: true,
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "backend", "simulating", "a", "real", "inference", "server",
	"for", "failover", "drills",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// backend is one OpenAI-compatible mock server.
type backend struct {
	model string
	cfg   Config
	log   *slog.Logger
	mode  atomic.Value // string
	calls atomic.Int64
	mux   *http.ServeMux
}

func newBackend(model string, cfg Config, log *slog.Logger) *backend {
	b := &backend{model: model, cfg: cfg, log: log, mux: http.NewServeMux()}
	b.mode.Store(modeOK)

	b.mux.HandleFunc("/v1/chat/completions", b.handleChat)
	b.mux.HandleFunc("/health", b.handleHealth)
	b.mux.HandleFunc("/mock/mode", b.handleMode)
	b.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})
	return b
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) { b.mux.ServeHTTP(w, r) }

func (b *backend) currentMode() string { return b.mode.Load().(string) }

func (b *backend) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		m := r.URL.Query().Get("set")
		if !validModes[m] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", m), "invalid_request")
			return
		}
		prev := b.mode.Swap(m)
		b.log.Info("mock mode changed", slog.String("model", b.model), slog.Any("from", prev), slog.String("to", m))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": b.currentMode(), "calls": b.calls.Load()})
}

func (b *backend) handleHealth(w http.ResponseWriter, _ *http.Request) {
	switch b.currentMode() {
	case modeDown, modeError:
		writeError(w, http.StatusServiceUnavailable, "mock backend unhealthy", "unavailable")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// fail writes the response for a failure mode. It returns false in modes
// that serve the request normally.
func (b *backend) fail(w http.ResponseWriter, r *http.Request) bool {
	switch b.currentMode() {
	case modeDown:
		writeError(w, http.StatusServiceUnavailable, "mock backend down", "unavailable")
	case modeError:
		writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
	case modeRateLimit:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "mock rate limit", "rate_limit_exceeded")
	case modeSlow:
		select {
		case <-time.After(b.cfg.SlowFor):
		case <-r.Context().Done():
			return true
		}
		writeError(w, http.StatusGatewayTimeout, "mock backend too slow", "timeout")
	default:
		return false
	}
	return true
}

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (b *backend) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}
	b.calls.Add(1)
	if b.cfg.Latency > 0 {
		time.Sleep(b.cfg.Latency)
	}
	if b.fail(w, r) {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request")
		return
	}

	model := req.Model
	if model == "" {
		model = b.model
	}
	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	content := fakeSentence(b.cfg.StreamWords)

	if req.Stream {
		b.serveStream(w, id, model, content)
		return
	}

	inTokens := 10
	outTokens := b.cfg.StreamWords
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		},
	})
}

// serveStream writes an SSE stream of chat completion chunks. In broken mode
// the connection is cut after the first chunk.
func (b *backend) serveStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	broken := b.currentMode() == modeBroken

	for i, word := range strings.Fields(content) {
		writeChunk(w, id, model, map[string]string{"content": word + " "}, nil)
		if flusher != nil {
			flusher.Flush()
		}
		if broken && i == 0 {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			return
		}
	}

	stop := "stop"
	writeChunk(w, id, model, map[string]string{}, &stop)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeChunk(w http.ResponseWriter, id, model string, delta map[string]string, finish *string) {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			},
		},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    typ,
	}})
}
