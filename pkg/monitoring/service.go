// Package monitoring wires the four protocol services into a Prometheus
// registry via slok/go-http-metrics, and carries the per-request trace-id
// middleware shared by every route.
package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	prometheus_metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/veriproof/engine/pkg/common"
)

const (
	metricsNamespace  = "veriproof"
	protocolSubsystem = "protocol"
	cacheSubsystem    = "cache"
	outcomeLabel      = "outcome"
	endpointLabel     = "endpoint"
	handlerIDLabel    = "handler"
	statusCodeLabel   = "code"
	methodLabel       = "label"
	serviceLabel      = "service"
)

// Service bundles the Prometheus registry, the fine-grained HTTP middleware
// used on every protocol route, and the counters/gauges pkg/transport and
// the background jobs report into (per-endpoint outcomes, HTTP errors,
// replay-set hit ratios).
type Service struct {
	Registry        *prometheus.Registry
	httpMiddleware  middleware.Middleware
	protocolCounter *prometheus.CounterVec
	errorCounter    *prometheus.CounterVec
	hitRatioGauge   *prometheus.GaugeVec
}

func traceID() string {
	return xid.New().String()
}

// Traced stamps every request with a trace id, propagated through the
// context and echoed back on the response so a client-reported incident can
// be located in the logs.
func Traced(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, tid := common.TraceContextFunc(r.Context(), traceID)
		w.Header()[common.HeaderTraceID] = []string{tid}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewService builds the Prometheus registry and the counters the four
// protocol endpoints (handshake, challenge, verify, site-verify) report
// outcomes into.
func NewService() *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	protocolCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: protocolSubsystem,
			Name:      "requests_total",
			Help:      "Total protocol requests by endpoint and outcome",
		},
		[]string{endpointLabel, outcomeLabel},
	)
	reg.MustRegister(protocolCounter)

	errorCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "error_total",
			Help:      "Total HTTP-layer errors",
		},
		[]string{handlerIDLabel, statusCodeLabel, methodLabel, serviceLabel},
	)
	reg.MustRegister(errorCounter)

	hitRatioGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: cacheSubsystem,
			Name:      "hit_ratio",
			Help:      "In-memory cache hit ratio, by cache name",
		},
		[]string{"cache"},
	)
	reg.MustRegister(hitRatioGauge)

	recorder := prometheus_metrics.NewRecorder(prometheus_metrics.Config{
		Prefix:          "veriproof",
		Registry:        reg,
		DurationBuckets: []float64{.01, .025, .05, .1, .25, .5, 1},
	})

	return &Service{
		Registry: reg,
		httpMiddleware: middleware.New(middleware.Config{
			Service:            "protocol",
			DisableMeasureSize: true,
			Recorder:           recorder,
		}),
		protocolCounter: protocolCounter,
		errorCounter:    errorCounter,
		hitRatioGauge:   hitRatioGauge,
	}
}

// Handler wraps h with the fine-grained HTTP instrumentation middleware.
// handlerID is taken from the request path (an empty handlerID tells
// go-http-metrics to use the request's URL path).
func (s *Service) Handler(h http.Handler) http.Handler {
	return std.Handler("", s.httpMiddleware, h)
}

// ObserveOutcome records one protocol-level result (e.g. "handshake"/"success").
func (s *Service) ObserveOutcome(endpoint, outcome string) {
	s.protocolCounter.With(prometheus.Labels{endpointLabel: endpoint, outcomeLabel: outcome}).Inc()
}

// ObserveHTTPError records a non-2xx response at the transport layer.
func (s *Service) ObserveHTTPError(handlerID, method string, code int) {
	s.errorCounter.With(prometheus.Labels{
		handlerIDLabel:  handlerID,
		statusCodeLabel: strconv.Itoa(code),
		methodLabel:     method,
		serviceLabel:    "protocol",
	}).Inc()
}

// ObserveCacheHitRatio records one in-memory cache's running hit ratio
// (the site-verify replay set, via challenge.ReplaySetStatsJob).
func (s *Service) ObserveCacheHitRatio(cache string, ratio float64) {
	s.hitRatioGauge.With(prometheus.Labels{"cache": cache}).Set(ratio)
}

// Setup registers the /metrics endpoint on router.
func (s *Service) Setup(router *http.ServeMux) {
	router.Handle(http.MethodGet+" /metrics", common.Recovered(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})))
}
