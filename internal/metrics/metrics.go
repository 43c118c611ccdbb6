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

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// OriginAttemptResult labels a single upstream fetch attempt.
type OriginAttemptResult string

const (
	OriginAttemptSuccess  OriginAttemptResult = "success"
	OriginAttemptTimeout  OriginAttemptResult = "timeout"
	OriginAttemptNetwork  OriginAttemptResult = "network_error"
	OriginAttemptRejected OriginAttemptResult = "rejected"
)

// Recorder publishes Prometheus metrics for proxy activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	rateDecisions     *prometheus.CounterVec
	trackedIdentities prometheus.Gauge

	originAttempts   *prometheus.CounterVec
	transformLatency *prometheus.HistogramVec
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

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixgate",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total image proxy requests processed by the pipeline.",
	}, []string{"outcome", "status_code", "cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixgate",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed image proxy requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the pipeline.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixgate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	rateDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixgate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter admission decisions.",
	}, []string{"decision"})

	trackedIdentities := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixgate",
		Subsystem: "ratelimit",
		Name:      "tracked_identities",
		Help:      "Identities currently holding a non-empty rate window.",
	})

	originAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixgate",
		Subsystem: "origin",
		Name:      "attempts_total",
		Help:      "Upstream fetch attempts including retries.",
	}, []string{"result"})

	transformLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixgate",
		Subsystem: "transform",
		Name:      "duration_seconds",
		Help:      "Decode, transform and encode latency per output format.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"format"})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency,
		rateDecisions, trackedIdentities, originAttempts, transformLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		requests:          requests,
		requestLatency:    requestLatency,
		cacheOperations:   cacheOperations,
		cacheLatency:      cacheLatency,
		rateDecisions:     rateDecisions,
		trackedIdentities: trackedIdentities,
		originAttempts:    originAttempts,
		transformLatency:  transformLatency,
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

// ObserveRequest records the outcome and latency for a completed image request.
func (r *Recorder) ObserveRequest(outcome string, statusCode int, cacheHit bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "miss"
	if cacheHit {
		cacheLabel = "hit"
	}
	r.requests.WithLabelValues(outcomeLabel, statusLabel, cacheLabel).Inc()
	r.requestLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveRateDecision counts an admission decision: admitted, denied or unlimited.
func (r *Recorder) ObserveRateDecision(decision string) {
	if r == nil {
		return
	}
	r.rateDecisions.WithLabelValues(normalizeLabel(decision)).Inc()
}

// SetTrackedIdentities publishes the number of identities with live windows.
func (r *Recorder) SetTrackedIdentities(n int) {
	if r == nil {
		return
	}
	r.trackedIdentities.Set(float64(n))
}

// ObserveOriginAttempt counts one upstream attempt.
func (r *Recorder) ObserveOriginAttempt(result OriginAttemptResult) {
	if r == nil {
		return
	}
	r.originAttempts.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveTransform records codec latency for the produced format.
func (r *Recorder) ObserveTransform(format string, duration time.Duration) {
	if r == nil {
		return
	}
	r.transformLatency.WithLabelValues(normalizeLabel(format)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
