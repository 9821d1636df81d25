package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	gw := newTestGateway(&fakeAdapters{}, GatewayOptions{})

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", resp["status"])
	}
}

func TestHandleHealth_WithBackends(t *testing.T) {
	hc := NewHealthChecker(context.Background(), staticTargets(map[string]providers.Provider{
		"primary": healthyProvider("primary"),
	}), nil)
	defer hc.Close()
	gw := newTestGateway(&fakeAdapters{}, GatewayOptions{Health: hc})

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("failed to parse health snapshot: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if _, ok := snap.Backends["primary"]; !ok {
		t.Error("expected primary in backends map")
	}
}

// --- handleReadiness --------------------------------------------------------

func TestHandleReadiness_NoHealthChecker(t *testing.T) {
	gw := newTestGateway(&fakeAdapters{}, GatewayOptions{})

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_AllBreakersOpen(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	reg.Get("primary").RecordFailure(apierr.KindServer)

	hc := NewHealthChecker(context.Background(), staticTargets(nil), reg)
	defer hc.Close()
	gw := newTestGateway(&fakeAdapters{}, GatewayOptions{Health: hc})

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", ctx.Response.StatusCode())
	}
	if ra := string(ctx.Response.Header.Peek("Retry-After")); ra == "" {
		t.Error("expected Retry-After while every breaker is open")
	}

	reg.Reset("primary")
	ctx = &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200 after reset, got %d", ctx.Response.StatusCode())
	}
}

// --- routing ----------------------------------------------------------------

func TestRouter_FullPipeline(t *testing.T) {
	gw := newTestGateway(&fakeAdapters{primary: okProvider("primary")}, GatewayOptions{
		CORSOrigins: []string{"https://ops.example.com"},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody))
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, h := range []string{"X-Request-ID", "X-Response-Time", "X-Content-Type-Options"} {
		if resp.Header.Get(h) == "" {
			t.Errorf("expected %s header from the middleware chain", h)
		}
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("unexpected CORS origin %q", got)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	gw := newTestGateway(&fakeAdapters{}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/embeddings", []byte(`{}`))
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRouter_NoMetricsRouteWithoutRegistry(t *testing.T) {
	gw := newTestGateway(&fakeAdapters{}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doRequest(t, client, http.MethodGet, "/metrics", nil, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGateway_ShutdownWithoutStart(t *testing.T) {
	gw := newTestGateway(&fakeAdapters{}, GatewayOptions{})
	if err := gw.Shutdown(); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]int{"count": 42})

	ct := string(ctx.Response.Header.ContentType())
	if ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}

	var resp map[string]int
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["count"] != 42 {
		t.Errorf("expected count=42, got %d", resp["count"])
	}
}
