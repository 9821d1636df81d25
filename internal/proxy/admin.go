package proxy

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// handleAdmin serves:
//
//	GET  /admin/breakers
//	GET  /admin/breakers/{name}
//	POST /admin/breakers/reset
//	POST /admin/breakers/{name}/reset
//	POST /admin/config/refresh
func (g *Gateway) handleAdmin(ctx *fasthttp.RequestCtx) {
	path, _ := ctx.UserValue("path").(string)
	path = strings.Trim(path, "/")
	post := ctx.IsPost()

	switch {
	case path == "breakers" && !post:
		g.listBreakers(ctx)
	case path == "breakers/reset" && post:
		g.orch.ResetAllBreakers()
		g.auditAdmin(ctx, "admin_breaker_reset_all", "")
		writeJSON(ctx, map[string]string{"status": "reset"})
	case path == "config/refresh" && post:
		g.refreshConfig(ctx)
	case strings.HasPrefix(path, "breakers/"):
		name := strings.TrimPrefix(path, "breakers/")
		if post {
			if !strings.HasSuffix(name, "/reset") {
				notFound(ctx)
				return
			}
			g.resetBreaker(ctx, strings.TrimSuffix(name, "/reset"))
			return
		}
		g.getBreaker(ctx, name)
	default:
		notFound(ctx)
	}
}

type breakerList struct {
	Breakers []breaker.Stats `json:"breakers"`
}

func (g *Gateway) listBreakers(ctx *fasthttp.RequestCtx) {
	all := g.orch.AllBreakerStats()
	out := breakerList{Breakers: make([]breaker.Stats, 0, len(all))}
	for _, st := range all {
		out.Breakers = append(out.Breakers, st)
	}
	sort.Slice(out.Breakers, func(i, j int) bool {
		return out.Breakers[i].Name < out.Breakers[j].Name
	})
	writeJSON(ctx, out)
}

func (g *Gateway) getBreaker(ctx *fasthttp.RequestCtx, name string) {
	st, ok := g.orch.BreakerStats(name)
	if !ok {
		unknownBreaker(ctx, name)
		return
	}
	writeJSON(ctx, st)
}

func (g *Gateway) resetBreaker(ctx *fasthttp.RequestCtx, name string) {
	if !g.orch.ResetBreaker(name) {
		unknownBreaker(ctx, name)
		return
	}
	g.auditAdmin(ctx, "admin_breaker_reset", name)
	st, _ := g.orch.BreakerStats(name)
	writeJSON(ctx, st)
}

func (g *Gateway) refreshConfig(ctx *fasthttp.RequestCtx) {
	if g.config == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented,
			"no control plane configured",
			apierr.TypeUnavailable, string(apierr.KindConfiguration))
		return
	}
	g.config.Invalidate()
	g.auditAdmin(ctx, "admin_config_invalidated", "")
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	writeJSON(ctx, map[string]string{"status": "invalidated"})
}

func (g *Gateway) auditAdmin(ctx *fasthttp.RequestCtx, event, backend string) {
	sub, _ := ctx.UserValue("admin_subject").(string)
	attrs := []any{slog.String("request_id", requestIDOf(ctx))}
	if backend != "" {
		attrs = append(attrs, slog.String("backend", backend))
	}
	if sub != "" {
		attrs = append(attrs, slog.String("subject", sub))
	}
	g.log.InfoContext(ctx, event, attrs...)
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

func unknownBreaker(ctx *fasthttp.RequestCtx, name string) {
	apierr.Write(ctx, fasthttp.StatusNotFound,
		"unknown breaker "+name,
		apierr.TypeInvalidRequest, apierr.CodeNotFound)
}

func notFound(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusNotFound,
		"not found", apierr.TypeInvalidRequest, apierr.CodeNotFound)
}
