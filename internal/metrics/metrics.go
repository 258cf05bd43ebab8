package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheResult captures the outcome of a snapshot cache operation.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheExpired CacheResult = "expired"
	CacheEvict   CacheResult = "evict"
	CacheStored  CacheResult = "stored"
)

// StoreResult captures the outcome of a collaborator call.
type StoreResult string

const (
	StoreOK    StoreResult = "ok"
	StoreError StoreResult = "error"
)

// Recorder publishes Prometheus metrics for admission activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	cacheOperations *prometheus.CounterVec
	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
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

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by outcome, denial reason and caller tier.",
	}, []string{"decision", "reason", "tier"})

	decisionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tiergate",
		Subsystem: "admission",
		Name:      "duration_seconds",
		Help:      "Latency distribution for admission decisions.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"decision"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Snapshot cache operations.",
	}, []string{"cache", "operation", "result"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Calls to external collaborators.",
	}, []string{"store", "operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tiergate",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for collaborator calls.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"store", "operation"})

	reg.MustRegister(decisions, decisionLatency, cacheOperations, storeOperations, storeLatency)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		decisions:       decisions,
		decisionLatency: decisionLatency,
		cacheOperations: cacheOperations,
		storeOperations: storeOperations,
		storeLatency:    storeLatency,
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

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveDecision records one admission decision. reason is empty for allows;
// tier is empty for unsubscribed callers.
func (r *Recorder) ObserveDecision(decision, reason, tier string, duration time.Duration) {
	if r == nil {
		return
	}
	decisionLabel := normalizeLabel(decision)
	r.decisions.WithLabelValues(decisionLabel, labelOr(reason, "none"), labelOr(tier, "none")).Inc()
	r.decisionLatency.WithLabelValues(decisionLabel).Observe(duration.Seconds())
}

// ObserveCache records a cache operation such as a snapshot lookup or eviction.
func (r *Recorder) ObserveCache(cache, operation string, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(cache), normalizeLabel(operation), labelOr(string(result), string(CacheMiss))).Inc()
}

// ObserveStore records a collaborator call and its latency.
func (r *Recorder) ObserveStore(store, operation string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := StoreOK
	if err != nil {
		result = StoreError
	}
	storeLabel := normalizeLabel(store)
	opLabel := normalizeLabel(operation)
	r.storeOperations.WithLabelValues(storeLabel, opLabel, string(result)).Inc()
	r.storeLatency.WithLabelValues(storeLabel, opLabel).Observe(duration.Seconds())
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func normalizeLabel(value string) string {
	return labelOr(value, "unknown")
}
