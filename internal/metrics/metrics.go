package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. Each instance owns its own
// registry so tests can build as many as they like. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	refreshes     *prometheus.CounterVec
	refreshTime   prometheus.Histogram
	occurrences   *prometheus.GaugeVec
	conflicts     *prometheus.GaugeVec
	truncated     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orgcal_http_requests_total",
			Help: "Total HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orgcal_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orgcal_refresh_total",
			Help: "Schedule refreshes by result.",
		}, []string{"result"}),
		refreshTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orgcal_refresh_duration_seconds",
			Help:    "Time spent fetching and expanding one organization.",
			Buckets: prometheus.DefBuckets,
		}),
		occurrences: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orgcal_occurrences",
			Help: "Occurrences in the current window per organization.",
		}, []string{"org"}),
		conflicts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orgcal_conflicting_occurrences",
			Help: "Occurrences overlapping another one per organization.",
		}, []string{"org"}),
		truncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orgcal_truncated_events_total",
			Help: "Base events that hit the occurrence cap.",
		}, []string{"org"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orgcal_notifications_total",
			Help: "Reminders handed to the sink by delivery result.",
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orgcal_events_cache_hits_total",
			Help: "Range query cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orgcal_events_cache_misses_total",
			Help: "Range query cache misses.",
		}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.refreshes,
		m.refreshTime,
		m.occurrences,
		m.conflicts,
		m.truncated,
		m.notifications,
		m.cacheHits,
		m.cacheMisses,
		collectors.NewGoCollector(),
	)

	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// WrapHandler records count and latency of next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Refresh records one organization refresh.
func (m *Metrics) Refresh(orgID string, took time.Duration, occurrences, conflicts, truncated int, err error) {
	if m == nil {
		return
	}
	m.refreshTime.Observe(took.Seconds())
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	m.occurrences.WithLabelValues(orgID).Set(float64(occurrences))
	m.conflicts.WithLabelValues(orgID).Set(float64(conflicts))
	if truncated > 0 {
		m.truncated.WithLabelValues(orgID).Add(float64(truncated))
	}
}

// Notifications records n reminders handed to a sink.
func (m *Metrics) Notifications(n int, err error) {
	if m == nil || n == 0 {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
