package proxy

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	// Breaker names contain "/", so the admin tree is one catch-all route.
	admin := adminAuth(g.adminJWTSecret, g.log)(g.handleAdmin)
	r.GET("/admin/{path:*}", admin)
	r.POST("/admin/{path:*}", admin)

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until the
// server stops.
func (g *Gateway) Start(addr string) error {
	g.srv = &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: g.maxDuration,
	}
	return g.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for open ones to finish.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": statusOK})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": statusOK})
		return
	}
	ok, wait := g.health.ReadinessOK()
	if ok {
		writeJSON(ctx, map[string]string{"status": statusOK})
		return
	}
	if wait > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
