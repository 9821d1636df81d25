package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{})
	if apierr.KindOf(err) != apierr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(Config{URL: "not a url"}); apierr.KindOf(err) != apierr.KindConfiguration {
		t.Fatalf("expected configuration error for bad url, got %v", err)
	}
}

func TestResolveHealthURL(t *testing.T) {
	got, err := resolveHealthURL("http://gpu-0:8000/v1", "healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "http://gpu-0:8000/healthz" {
		t.Fatalf("unexpected health url %q", got)
	}
}

func TestProvider_CompletePinsModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-1", "object": "chat.completion", "created": 0, "model": gotModel,
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": "from gpu"},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3},
		})
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/v1", Model: "llama-3-70b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := &providers.Request{Model: "whatever", Messages: []providers.Message{{Role: "user", Content: "hi"}}}
	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotModel != "llama-3-70b" {
		t.Errorf("expected pinned model, got %q", gotModel)
	}
	if req.Model != "whatever" {
		t.Error("caller's request must not be mutated")
	}
	if resp.Content != "from gpu" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestProvider_ReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/v1", ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Complete(context.Background(), &providers.Request{Model: "m"})
	if apierr.KindOf(err) != apierr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" {
			t.Errorf("unexpected health path %q", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/v1", HealthPath: "/ready"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}

	healthy.Store(false)
	err = p.HealthCheck(context.Background())
	var e *apierr.Error
	if !errors.As(err, &e) || e.Kind != apierr.KindServer || e.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected server_error 503, got %v", err)
	}
}

func completionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id": "cmpl-1", "object": "chat.completion", "created": 0, "model": "m",
		"choices": []any{map[string]any{
			"index": 0, "finish_reason": "stop",
			"message": map[string]any{"role": "assistant", "content": "ok"},
		}},
	})
}

func TestProvider_IdleConnectionOutlivesReadTimeout(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(completionHandler))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/v1", ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := &providers.Request{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("first request: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("expected the pooled connection to be reused, got %d connections", n)
	}
}

// chunkServer streams n chunks spaced by gap, then optionally hangs instead of
// finishing.
func chunkServer(t *testing.T, n int, gap time.Duration, hang bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "data: %s\n\n",
				`{"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"content":"x"},"finish_reason":null}]}`)
			flusher.Flush()
			select {
			case <-time.After(gap):
			case <-r.Context().Done():
				return
			}
		}
		if hang {
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestProvider_StreamOutlivesRequestTimeout(t *testing.T) {
	srv := chunkServer(t, 6, 50*time.Millisecond, false)
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/v1", Timeout: 100 * time.Millisecond, ReadTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Stream(context.Background(), &providers.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var content string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream cut off: %v", c.Err)
		}
		content += c.Content
	}
	if content != "xxxxxx" {
		t.Errorf("expected every chunk, got %q", content)
	}
}

func TestProvider_StalledStreamTimesOut(t *testing.T) {
	srv := chunkServer(t, 1, 0, true)
	defer srv.Close()

	p, err := New(Config{URL: srv.URL + "/v1", ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Stream(context.Background(), &providers.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var last error
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case c, ok := <-ch:
			if !ok {
				done = true
				break
			}
			if c.Err != nil {
				last = c.Err
			}
		case <-deadline:
			t.Fatal("stalled stream was not cut off")
		}
	}
	if apierr.KindOf(last) != apierr.KindTimeout {
		t.Fatalf("expected timeout, got %v", last)
	}
}
