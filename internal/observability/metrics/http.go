package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "minirag"

// HTTPServerMetrics holds the collectors of the query API process.
type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	answersTotal     *prometheus.CounterVec
	answerDuration   *prometheus.HistogramVec
	topScore         *prometheus.HistogramVec
	contextsReturned *prometheus.HistogramVec

	snapshotReloads *prometheus.CounterVec
	snapshotChunks  prometheus.Gauge
	breakerState    *prometheus.GaugeVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total HTTP requests processed.",
			ConstLabels: constLabels,
		},
		[]string{"method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: constLabels,
		},
	)
	answersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rag",
			Name:        "answers_total",
			Help:        "Completed questions by retrieval mode and outcome.",
			ConstLabels: constLabels,
		},
		[]string{"mode", "outcome"},
	)
	answerDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rag",
			Name:        "duration_seconds",
			Help:        "Retrieval and answer assembly duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"mode"},
	)
	topScore := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rag",
			Name:        "top_score",
			Help:        "Score of the best context per question.",
			Buckets:     prometheus.LinearBuckets(0.1, 0.1, 10),
			ConstLabels: constLabels,
		},
		[]string{"mode"},
	)
	contextsReturned := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rag",
			Name:        "contexts_returned",
			Help:        "Contexts returned per question.",
			Buckets:     []float64{0, 1, 2, 3, 5, 10, 20, 50},
			ConstLabels: constLabels,
		},
		[]string{"mode"},
	)
	snapshotReloads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "snapshot",
			Name:        "reloads_total",
			Help:        "Snapshot load attempts by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	snapshotChunks := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "snapshot",
			Name:        "chunks",
			Help:        "Chunks in the snapshot currently served.",
			ConstLabels: constLabels,
		},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "circuit_breaker_state",
			Help:        "Circuit breaker state per operation: 0 closed, 1 half-open, 2 open.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		answersTotal,
		answerDuration,
		topScore,
		contextsReturned,
		snapshotReloads,
		snapshotChunks,
		breakerState,
	)

	return &HTTPServerMetrics{
		registry:         registry,
		service:          service,
		requestTotal:     requestTotal,
		requestDuration:  requestDuration,
		requestInFlight:  requestInFlight,
		answersTotal:     answersTotal,
		answerDuration:   answerDuration,
		topScore:         topScore,
		contextsReturned: contextsReturned,
		snapshotReloads:  snapshotReloads,
		snapshotChunks:   snapshotChunks,
		breakerState:     breakerState,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps label cardinality bounded for unknown paths.
func normalizePath(path string) string {
	switch path {
	case "/ask", "/healthz", "/health", "/stats", "/metrics":
		return path
	default:
		return "other"
	}
}

// RecordAnswer observes one completed question. topScore is ignored when no
// context was retrieved.
func (m *HTTPServerMetrics) RecordAnswer(mode string, answered bool, topScore float64, contexts int, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	outcome := "abstained"
	if answered {
		outcome = "answered"
	}
	m.answersTotal.WithLabelValues(mode, outcome).Inc()
	m.answerDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.contextsReturned.WithLabelValues(mode).Observe(float64(contexts))
	if contexts > 0 {
		m.topScore.WithLabelValues(mode).Observe(topScore)
	}
}

func (m *HTTPServerMetrics) RecordSnapshotReload(outcome string, chunks int) {
	m.snapshotReloads.WithLabelValues(outcome).Inc()
	if outcome == "loaded" || outcome == "skipped" {
		m.snapshotChunks.Set(float64(chunks))
	}
}

func (m *HTTPServerMetrics) RecordBreakerState(operation string, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(operation).Set(value)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
