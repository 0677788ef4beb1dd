package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreResult captures the outcome of a key-value store operation.
type StoreResult string

const (
	// StoreResultHit indicates a read found a live entry.
	StoreResultHit StoreResult = "hit"
	// StoreResultMiss indicates a read found nothing usable.
	StoreResultMiss StoreResult = "miss"
	// StoreResultOK indicates a write or administrative call succeeded.
	StoreResultOK StoreResult = "ok"
	// StoreResultError indicates the backend failed the call.
	StoreResultError StoreResult = "error"
	// StoreResultDegraded indicates the call was answered without any backend.
	StoreResultDegraded StoreResult = "degraded"
)

// InterceptionResult captures what the HTTP cache interceptor did for a request.
type InterceptionResult string

const (
	InterceptionHit        InterceptionResult = "hit"
	InterceptionMiss       InterceptionResult = "miss"
	InterceptionBypass     InterceptionResult = "bypass"
	InterceptionSkip       InterceptionResult = "skip"
	InterceptionStoreError InterceptionResult = "store_error"
)

// Recorder publishes Prometheus metrics for request handling and the cache layer.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec

	interceptions *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	guardActions  *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balcao",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests served.",
	}, []string{"route", "method", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "balcao",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for served HTTP requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "method"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balcao",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Key-value store operations executed by the cache service.",
	}, []string{"backend", "operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "balcao",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for key-value store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	interceptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balcao",
		Subsystem: "httpcache",
		Name:      "interceptions_total",
		Help:      "Requests seen by the HTTP cache interceptor by result.",
	}, []string{"route", "result"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balcao",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Invalidation patterns applied after writes.",
	}, []string{"entity", "result"})

	guardActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balcao",
		Subsystem: "security",
		Name:      "actions_total",
		Help:      "Requests rejected or flagged by the security middleware.",
	}, []string{"action"})

	reg.MustRegister(httpRequests, httpLatency, storeOperations, storeLatency, interceptions, invalidations, guardActions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		httpRequests:    httpRequests,
		httpLatency:     httpLatency,
		storeOperations: storeOperations,
		storeLatency:    storeLatency,
		interceptions:   interceptions,
		invalidations:   invalidations,
		guardActions:    guardActions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a completed HTTP request. route is the router pattern,
// not the raw path, to keep label cardinality bounded.
func (r *Recorder) ObserveRequest(route, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	methodLabel := normalizeLabel(method)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(routeLabel, methodLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel, methodLabel).Observe(duration.Seconds())
}

// ObserveStoreOp records one key-value store call made by the cache service.
func (r *Recorder) ObserveStoreOp(backend, operation string, result StoreResult, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(StoreResultError)
	}
	backendLabel := normalizeLabel(backend)
	opLabel := normalizeLabel(operation)
	r.storeOperations.WithLabelValues(backendLabel, opLabel, resultLabel).Inc()
	r.storeLatency.WithLabelValues(backendLabel, opLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveInterception records what the HTTP cache interceptor did for a route.
func (r *Recorder) ObserveInterception(route string, result InterceptionResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(InterceptionSkip)
	}
	r.interceptions.WithLabelValues(normalizeLabel(route), resultLabel).Inc()
}

// ObserveInvalidation records one invalidation pattern outcome.
func (r *Recorder) ObserveInvalidation(entity string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.invalidations.WithLabelValues(normalizeLabel(entity), result).Inc()
}

// ObserveGuard records a security middleware action such as rate_limited or blocked.
func (r *Recorder) ObserveGuard(action string) {
	if r == nil {
		return
	}
	r.guardActions.WithLabelValues(normalizeLabel(action)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
