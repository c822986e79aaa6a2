package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	cleanupTotal    *prometheus.CounterVec
	cleanupDuration *prometheus.HistogramVec
	cleanupInFlight prometheus.Gauge
	sessionsDeleted prometheus.Counter
	lastSuccess     prometheus.Gauge
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	serviceLabel := prometheus.Labels{"service": service}

	cleanupTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "conversation_cleanup_total",
			Help:      "Conversation cleanup runs by status.",
		},
		[]string{"service", "status"},
	)
	cleanupDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "conversation_cleanup_duration_seconds",
			Help:      "Conversation cleanup duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	cleanupInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "conversation_cleanup_in_flight",
			Help:        "Number of in-flight conversation cleanup runs.",
			ConstLabels: serviceLabel,
		},
	)
	sessionsDeleted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "sessions_deleted_total",
			Help:        "Conversation sessions removed by retention cleanup.",
			ConstLabels: serviceLabel,
		},
	)
	lastSuccess := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "conversation_cleanup_last_success_timestamp_seconds",
			Help:        "Unix time of the last successful cleanup run.",
			ConstLabels: serviceLabel,
		},
	)

	registry.MustRegister(cleanupTotal, cleanupDuration, cleanupInFlight, sessionsDeleted, lastSuccess)

	return &WorkerMetrics{
		registry:        registry,
		service:         service,
		cleanupTotal:    cleanupTotal,
		cleanupDuration: cleanupDuration,
		cleanupInFlight: cleanupInFlight,
		sessionsDeleted: sessionsDeleted,
		lastSuccess:     lastSuccess,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartCleanup() {
	m.cleanupInFlight.Inc()
}

func (m *WorkerMetrics) FinishCleanup(duration time.Duration, deleted int64, err error) {
	m.cleanupInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.lastSuccess.SetToCurrentTime()
	}
	if deleted > 0 {
		m.sessionsDeleted.Add(float64(deleted))
	}

	m.cleanupTotal.WithLabelValues(m.service, status).Inc()
	m.cleanupDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}
