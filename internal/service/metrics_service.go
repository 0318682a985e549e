package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService owns the Prometheus registry. All methods are nil-safe
// so callers can run without instrumentation wired.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	httpDuration *prometheus.HistogramVec
	httpTotal    *prometheus.CounterVec
	admissions   *prometheus.CounterVec
	seatOccupied *prometheus.GaugeVec
	cacheReads   *prometheus.CounterVec
	cacheTiming  *prometheus.HistogramVec
}

func NewMetricsService() *MetricsService {
	m := &MetricsService{registry: prometheus.NewRegistry()}

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	m.httpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})

	m.admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_decisions_total",
		Help: "Enroll and drop outcomes.",
	}, []string{"operation", "outcome"})

	m.seatOccupied = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "course_seats_occupied",
		Help: "Seats currently held per course.",
	}, []string{"course_id"})

	m.cacheReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_reads_total",
		Help: "Cache reads by result.",
	}, []string{"result"})

	m.cacheTiming = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cache_operation_seconds",
		Help:    "Cache operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Current goroutine count.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	m.registry.MustRegister(m.httpDuration, m.httpTotal, m.admissions,
		m.seatOccupied, m.cacheReads, m.cacheTiming, goroutines)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the registry; a nil service answers 503.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *MetricsService) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
	m.httpTotal.WithLabelValues(method, route, code).Inc()
}

// RecordEnrollmentDecision counts one enroll or drop outcome.
func (m *MetricsService) RecordEnrollmentDecision(operation, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(operation, outcome).Inc()
}

// SetSeatOccupancy publishes the post-operation seat count of a course.
func (m *MetricsService) SetSeatOccupancy(courseID string, enrolled int) {
	if m == nil {
		return
	}
	m.seatOccupied.WithLabelValues(courseID).Set(float64(enrolled))
}

// RecordCacheOperation counts a cache read and its latency.
func (m *MetricsService) RecordCacheOperation(hit bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheReads.WithLabelValues(result).Inc()
	m.cacheTiming.WithLabelValues("read").Observe(d.Seconds())
}

// ObserveCacheWrite times a cache write.
func (m *MetricsService) ObserveCacheWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.cacheTiming.WithLabelValues("write").Observe(d.Seconds())
}
