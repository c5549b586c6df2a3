// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// router_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// router_backend_inflight{backend}
	backendInflight *prometheus.GaugeVec

	// router_backend_state{backend} — 0=stopped,1=running
	backendState *prometheus.GaugeVec

	// router_admission_total{backend,outcome}
	admissionTotal *prometheus.CounterVec

	// router_admission_duration_seconds{backend,outcome}
	admissionDuration *prometheus.HistogramVec

	// router_container_starts_total{backend}
	containerStarts *prometheus.CounterVec

	// router_container_stops_total{backend,reason}
	containerStops *prometheus.CounterVec

	// router_preemptions_total{gpu}
	preemptions *prometheus.CounterVec

	// router_reaper_stops_total{backend}
	reaperStops *prometheus.CounterVec

	// router_tokens_estimated_total{model}
	tokensEstimated *prometheus.CounterVec

	// router_build_info{version}
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
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes admission + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		backendInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_backend_inflight",
				Help: "Current in-flight requests per backend",
			},
			[]string{"backend"},
		),

		backendState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_backend_state",
				Help: "Backend container state (0=stopped,1=running)",
			},
			[]string{"backend"},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_admission_total",
				Help: "Admission decisions by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		admissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_admission_duration_seconds",
				Help:    "Time spent in the admission protocol, including any container start",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
			},
			[]string{"backend", "outcome"},
		),

		containerStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_container_starts_total",
				Help: "Total successful container starts by backend",
			},
			[]string{"backend"},
		),

		containerStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_container_stops_total",
				Help: "Total container stops by backend and reason",
			},
			[]string{"backend", "reason"},
		),

		preemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_preemptions_total",
				Help: "Total GPU preemption events by GPU",
			},
			[]string{"gpu"},
		),

		reaperStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_reaper_stops_total",
				Help: "Total backends stopped by the TTL sweeper",
			},
			[]string{"backend"},
		),

		tokensEstimated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_estimated_total",
				Help: "Sum of coarse estimated token counts by model",
			},
			[]string{"model"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
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
		r.backendInflight,
		r.backendState,
		r.admissionTotal,
		r.admissionDuration,
		r.containerStarts,
		r.containerStops,
		r.preemptions,
		r.reaperStops,
		r.tokensEstimated,
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

// SetBackendInflight reflects the current inflight count for a backend.
func (r *Registry) SetBackendInflight(backend string, n int64) {
	r.backendInflight.WithLabelValues(backend).Set(float64(n))
}

// SetBackendRunning reflects whether a backend's container is running.
func (r *Registry) SetBackendRunning(backend string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	r.backendState.WithLabelValues(backend).Set(v)
}

// RecordAdmission records one admission decision and its wall-clock cost.
func (r *Registry) RecordAdmission(backend, outcome string, dur time.Duration) {
	r.admissionTotal.WithLabelValues(backend, outcome).Inc()
	r.admissionDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

// RecordContainerStart records one successful container start.
func (r *Registry) RecordContainerStart(backend string) {
	r.containerStarts.WithLabelValues(backend).Inc()
}

// RecordContainerStop records one container stop, tagged with why it
// happened: reap, preempt, displacement, or warmup_timeout.
func (r *Registry) RecordContainerStop(backend, reason string) {
	r.containerStops.WithLabelValues(backend, reason).Inc()
	if reason == "reap" {
		r.reaperStops.WithLabelValues(backend).Inc()
	}
}

// RecordPreemption records one GPU preemption event.
func (r *Registry) RecordPreemption(gpu string) {
	r.preemptions.WithLabelValues(gpu).Inc()
}

// AddEstimatedTokens accumulates the coarse token estimate produced for a
// chat request against model.
func (r *Registry) AddEstimatedTokens(model string, n int) {
	if n > 0 {
		r.tokensEstimated.WithLabelValues(model).Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
