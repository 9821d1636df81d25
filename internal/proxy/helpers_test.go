package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/internal/controlplane"
	"github.com/nulpointcorp/inference-failover/internal/failover"
	"github.com/nulpointcorp/inference-failover/internal/logger"
	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// --- fakes ------------------------------------------------------------------

// funcProvider delegates Complete to fn.
type funcProvider struct {
	name    string
	calls   atomic.Int32
	health  error
	fn      func(ctx context.Context, req *providers.Request) (*providers.Response, error)
	lastReq atomic.Pointer[providers.Request]
}

func (p *funcProvider) Name() string                      { return p.name }
func (p *funcProvider) HealthCheck(context.Context) error { return p.health }

func (p *funcProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	p.calls.Add(1)
	cp := *req
	p.lastReq.Store(&cp)
	return p.fn(ctx, req)
}

// okProvider always returns a successful response.
func okProvider(name string) *funcProvider {
	return &funcProvider{
		name: name,
		fn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			return &providers.Response{
				ID:           "resp-" + req.RequestID,
				Model:        req.Model,
				Content:      "hello from " + name,
				FinishReason: providers.FinishStop,
				Usage:        providers.Usage{PromptTokens: 10, CompletionTokens: 5},
			}, nil
		},
	}
}

// failingProvider always fails with kind.
func failingProvider(name string, kind apierr.Kind) *funcProvider {
	return &funcProvider{
		name: name,
		fn: func(context.Context, *providers.Request) (*providers.Response, error) {
			return nil, apierr.New(kind, name, "injected %s", kind)
		},
	}
}

// streamingProvider streams chunks verbatim.
type streamingProvider struct {
	*funcProvider
	chunks []providers.StreamChunk
}

func (p *streamingProvider) Stream(context.Context, *providers.Request) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type staticSource struct{ cfg *controlplane.BackendConfig }

func (s staticSource) Current(context.Context) *controlplane.BackendConfig { return s.cfg }

type fakeAdapters struct {
	primary   providers.Provider
	fallbacks map[providers.Kind]providers.Provider
}

func (f *fakeAdapters) Primary(*controlplane.PrimaryEndpoint) (providers.Provider, error) {
	if f.primary == nil {
		return nil, apierr.Configuration("no primary adapter")
	}
	return f.primary, nil
}

func (f *fakeAdapters) Fallback(kind providers.Kind, _ controlplane.Credential) (providers.Provider, error) {
	p, ok := f.fallbacks[kind]
	if !ok {
		return nil, apierr.Configuration("no adapter for %s", kind)
	}
	return p, nil
}

// stubLimiter answers every Allow with allowed/err.
type stubLimiter struct {
	allowed bool
	err     error
}

func (l stubLimiter) Allow(context.Context) (bool, error) { return l.allowed, l.err }

type countingInvalidator struct{ n atomic.Int32 }

func (c *countingInvalidator) Invalidate() { c.n.Add(1) }

type memSink struct {
	mu   sync.Mutex
	recs []logger.RequestLog
}

func (s *memSink) Write(_ context.Context, batch []logger.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, batch...)
	return nil
}

func (s *memSink) records() []logger.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logger.RequestLog(nil), s.recs...)
}

// --- wiring -----------------------------------------------------------------

func testConfig() *controlplane.BackendConfig {
	return &controlplane.BackendConfig{
		Primary: &controlplane.PrimaryEndpoint{URL: "http://gpu-0:8000/v1", Model: "llama-3-70b"},
		Fallbacks: []controlplane.FallbackModel{
			{Provider: providers.KindOpenRouter, Model: "gpt-4o-mini", Priority: 0},
		},
		Credentials: map[providers.Kind]controlplane.Credential{
			providers.KindOpenRouter: {APIKey: "or-key"},
		},
		AutoFailover:      true,
		RetryCountPrimary: 2,
		RetryDelayPrimary: time.Millisecond,
	}
}

// newOrchestrator wires an orchestrator whose retries never sleep.
func newOrchestrator(cfg *controlplane.BackendConfig, adapters *fakeAdapters, breakers *breaker.Registry) *failover.Orchestrator {
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig(""))
	}
	return failover.New(staticSource{cfg: cfg}, adapters, breakers, failover.Options{
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		Rand:  func() float64 { return 0 },
	})
}

func newTestGateway(adapters *fakeAdapters, opts GatewayOptions) *Gateway {
	return NewGateway(context.Background(), newOrchestrator(testConfig(), adapters, nil), opts)
}

// serveGateway starts the gateway's full handler on an in-memory listener.
// Returns an HTTP client that routes to it, and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

// doRequest sends a request via the in-memory listener client.
func doRequest(t *testing.T, client *http.Client, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	return doRequest(t, client, http.MethodPost, path, body, nil)
}

// readBody reads and returns the full response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

const chatBody = `{"model":"llama-3-70b","messages":[{"role":"user","content":"hi"}]}`
