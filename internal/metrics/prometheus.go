// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Registry implements the observer hooks of the breaker, retry, failover
// and control-plane packages, so a single value is wired everywhere.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/inference-failover/internal/breaker"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_completions_total{source,status}
	completionsTotal *prometheus.CounterVec

	// gateway_completion_duration_seconds{source,stream}
	completionDuration *prometheus.HistogramVec

	// gateway_backend_attempts_total{backend,outcome}
	backendAttempts *prometheus.CounterVec

	// gateway_backend_attempt_duration_seconds{backend,outcome}
	backendDuration *prometheus.HistogramVec

	// circuit_breaker_state{backend}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{backend,from_state,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{backend,state}
	cbRejections *prometheus.CounterVec

	// gateway_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_success_total{to}
	failoverSuccess *prometheus.CounterVec

	// gateway_failover_exhausted_total
	failoverExhausted prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{source,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_backend_health{backend}
	backendHealth *prometheus.GaugeVec

	// gateway_config_refresh_total{result}
	configRefresh *prometheus.CounterVec

	// gateway_request_log_dropped_total
	requestLogDropped prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes retries and failover)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_completions_total",
				Help: "Completions by serving source and HTTP status",
			},
			[]string{"source", "status"},
		),

		completionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_completion_duration_seconds",
				Help:    "Completion duration until a backend was selected, in seconds",
				Buckets: durationBuckets,
			},
			[]string{"source", "stream"},
		),

		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_attempts_total",
				Help: "Backend attempts by outcome (success, circuit_reject or error kind)",
			},
			[]string{"backend", "outcome"},
		),

		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_attempt_duration_seconds",
				Help:    "Backend attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"backend", "outcome"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"backend"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"backend", "from_state", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"backend", "state"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover steps from one backend to the next",
			},
			[]string{"from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_success_total",
				Help: "Requests served by a fallback backend",
			},
			[]string{"to"},
		),

		failoverExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_failover_exhausted_total",
			Help: "Requests that exhausted the primary and every fallback",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"source", "direction"},
		),

		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_health",
				Help: "Backend health probe status (1=ok, 0=degraded)",
			},
			[]string{"backend"},
		),

		configRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_config_refresh_total",
				Help: "Control-plane config refreshes by result",
			},
			[]string{"result"},
		),

		requestLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_request_log_dropped_total",
			Help: "Request log records dropped because the buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.completionsTotal,
		r.completionDuration,
		r.backendAttempts,
		r.backendDuration,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.tokensTotal,
		r.backendHealth,
		r.configRefresh,
		r.requestLogDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// RecordCompletion records one completion outcome. source is empty when no
// backend served the request.
func (r *Registry) RecordCompletion(source string, statusCode int, stream bool, dur time.Duration) {
	if source == "" {
		source = "none"
	}
	r.completionsTotal.WithLabelValues(source, strconv.Itoa(statusCode)).Inc()
	r.completionDuration.WithLabelValues(source, strconv.FormatBool(stream)).Observe(dur.Seconds())
}

// ObserveAttempt implements retry.AttemptObserver.
func (r *Registry) ObserveAttempt(backend, outcome string, d time.Duration) {
	r.backendAttempts.WithLabelValues(backend, outcome).Inc()
	if outcome != "circuit_reject" {
		r.backendDuration.WithLabelValues(backend, outcome).Observe(d.Seconds())
	}
}

// StateChanged implements breaker.Observer.
func (r *Registry) StateChanged(name string, from, to breaker.State) {
	r.circuitBreakerState.WithLabelValues(name).Set(float64(to))
	r.cbTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// Rejected implements breaker.Observer.
func (r *Registry) Rejected(name string, state breaker.State) {
	r.cbRejections.WithLabelValues(name, state.String()).Inc()
}

// SetCircuitBreaker sets the state gauge without counting a transition. It
// seeds the series for breakers that have never changed state.
func (r *Registry) SetCircuitBreaker(name string, state breaker.State) {
	r.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (r *Registry) RecordFailover(from, to, reason string) {
	r.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(to string) {
	r.failoverSuccess.WithLabelValues(to).Inc()
}

func (r *Registry) RecordFailoverExhausted() {
	r.failoverExhausted.Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(source string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(source, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(source, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(source, "total").Add(float64(inputTokens + outputTokens))
	}
}

// SetBackendHealth records the last health probe result of backend.
func (r *Registry) SetBackendHealth(backend string, ok bool) {
	if ok {
		r.backendHealth.WithLabelValues(backend).Set(1)
		return
	}
	r.backendHealth.WithLabelValues(backend).Set(0)
}

// ConfigRefreshed implements controlplane.RefreshObserver.
func (r *Registry) ConfigRefreshed(ok bool) {
	if ok {
		r.configRefresh.WithLabelValues("ok").Inc()
		return
	}
	r.configRefresh.WithLabelValues("error").Inc()
}

// RequestLogDropped counts request log records lost to a full buffer.
func (r *Registry) RequestLogDropped() {
	r.requestLogDropped.Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
