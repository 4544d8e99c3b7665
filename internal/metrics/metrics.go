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
	// CacheOperationGet records cache store reads.
	CacheOperationGet CacheOperation = "get"
	// CacheOperationPut records cache store writes.
	CacheOperationPut CacheOperation = "put"
)

// CacheLookupOutcome captures the result of a cache read.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache write.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreUnavailable indicates the medium rejected the write; the
	// response was still served.
	CacheStoreUnavailable CacheStoreOutcome = "unavailable"
)

// Recorder publishes Prometheus metrics for the interception layer.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	lifecycleEvents  *prometheus.CounterVec
	lifecycleLatency *prometheus.HistogramVec

	replayPasses    *prometheus.CounterVec
	replayMutations *prometheus.CounterVec
	queueDepth      prometheus.Gauge

	pushEvents *prometheus.CounterVec
	online     prometheus.Gauge
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

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinegate",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by resource class, strategy, and response source.",
	}, []string{"class", "strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinegate",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"class", "source"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinegate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the strategies.",
	}, []string{"kind", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinegate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"kind", "operation", "result"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinegate",
		Subsystem: "lifecycle",
		Name:      "events_total",
		Help:      "Install and activate attempts by outcome.",
	}, []string{"phase", "outcome"})

	lifecycleLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinegate",
		Subsystem: "lifecycle",
		Name:      "duration_seconds",
		Help:      "Duration of install and activate phases.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})

	replayPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinegate",
		Subsystem: "queue",
		Name:      "replay_passes_total",
		Help:      "Replay passes by outcome (drained, blocked, coalesced, error).",
	}, []string{"outcome"})

	replayMutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinegate",
		Subsystem: "queue",
		Name:      "mutations_total",
		Help:      "Offline mutations by lifecycle event (enqueued, replayed, failed, parked).",
	}, []string{"event"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offlinegate",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Offline mutations waiting for replay.",
	})

	pushEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinegate",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Push dispatches and notification clicks by outcome.",
	}, []string{"event", "outcome"})

	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offlinegate",
		Subsystem: "connectivity",
		Name:      "online",
		Help:      "1 when the upstream origin was last observed reachable.",
	})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheLatency,
		lifecycleEvents, lifecycleLatency, replayPasses, replayMutations, queueDepth,
		pushEvents, online)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		fetchRequests:    fetchRequests,
		fetchLatency:     fetchLatency,
		cacheOperations:  cacheOperations,
		cacheLatency:     cacheLatency,
		lifecycleEvents:  lifecycleEvents,
		lifecycleLatency: lifecycleLatency,
		replayPasses:     replayPasses,
		replayMutations:  replayMutations,
		queueDepth:       queueDepth,
		pushEvents:       pushEvents,
		online:           online,
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

// ObserveFetch records the outcome and latency for an intercepted request.
func (r *Recorder) ObserveFetch(class, strategy, source string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	sourceLabel := normalizeLabel(source)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(classLabel, normalizeLabel(strategy), sourceLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(classLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCacheGet records the result of a cache read against a namespace kind.
func (r *Recorder) ObserveCacheGet(kind string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(kind), CacheOperationGet, resultLabel, duration)
}

// ObserveCachePut records the result of a cache write against a namespace kind.
func (r *Recorder) ObserveCachePut(kind string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreUnavailable)
	}
	r.observeCache(normalizeLabel(kind), CacheOperationPut, resultLabel, duration)
}

func (r *Recorder) observeCache(kind string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(kind, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(kind, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveLifecycle records an install or activate attempt.
func (r *Recorder) ObserveLifecycle(phase, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	phaseLabel := normalizeLabel(phase)
	r.lifecycleEvents.WithLabelValues(phaseLabel, normalizeLabel(outcome)).Inc()
	r.lifecycleLatency.WithLabelValues(phaseLabel).Observe(duration.Seconds())
}

// ObserveReplayPass records how a replay pass ended.
func (r *Recorder) ObserveReplayPass(outcome string) {
	if r == nil {
		return
	}
	r.replayPasses.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveMutation counts a mutation lifecycle event.
func (r *Recorder) ObserveMutation(event string) {
	if r == nil {
		return
	}
	r.replayMutations.WithLabelValues(normalizeLabel(event)).Inc()
}

// SetQueueDepth publishes the number of pending mutations.
func (r *Recorder) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// ObservePush counts push dispatches and notification clicks.
func (r *Recorder) ObservePush(event, outcome string) {
	if r == nil {
		return
	}
	r.pushEvents.WithLabelValues(normalizeLabel(event), normalizeLabel(outcome)).Inc()
}

// SetOnline publishes the last observed upstream reachability.
func (r *Recorder) SetOnline(online bool) {
	if r == nil {
		return
	}
	if online {
		r.online.Set(1)
		return
	}
	r.online.Set(0)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
