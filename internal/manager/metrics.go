package manager

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitchey/sessiond/internal/models"
)

// Metrics collects Prometheus counters, gauges, and histograms for sessiond.
type Metrics struct {
	registry                *prometheus.Registry
	sessionTransitionsTotal *prometheus.CounterVec
	sessionsByStatus        *prometheus.GaugeVec
	scalingDecisionsTotal   *prometheus.CounterVec
	snapshotsTotal          *prometheus.CounterVec
	connectionsTotal        *prometheus.CounterVec
	reservedResources       *prometheus.GaugeVec
	reconcileTickSeconds    *prometheus.HistogramVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	sessionTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total number of session status transitions.",
		},
		[]string{"from", "to"},
	)
	sessionsByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "count",
			Help:      "Sessions currently tracked, by status.",
		},
		[]string{"status"},
	)
	scalingDecisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "autoscaler",
			Name:      "decisions_total",
			Help:      "Total auto-scaling decisions, by action.",
		},
		[]string{"action"},
	)
	snapshotsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Total snapshot operations, by result.",
		},
		[]string{"result"},
	)
	connectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "connection",
			Name:      "events_total",
			Help:      "Connection registry events (accept, close, reject).",
		},
		[]string{"event"},
	)
	reservedResources := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessiond",
			Subsystem: "resources",
			Name:      "reserved",
			Help:      "Aggregate reserved resources across sessions, by kind.",
		},
		[]string{"kind"},
	)
	reconcileTickSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessiond",
			Subsystem: "reconcile",
			Name:      "tick_duration_seconds",
			Help:      "Duration of reconciliation loop ticks.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"loop"},
	)

	registry.MustRegister(
		sessionTransitionsTotal,
		sessionsByStatus,
		scalingDecisionsTotal,
		snapshotsTotal,
		connectionsTotal,
		reservedResources,
		reconcileTickSeconds,
	)

	return &Metrics{
		registry:                registry,
		sessionTransitionsTotal: sessionTransitionsTotal,
		sessionsByStatus:        sessionsByStatus,
		scalingDecisionsTotal:   scalingDecisionsTotal,
		snapshotsTotal:          snapshotsTotal,
		connectionsTotal:        connectionsTotal,
		reservedResources:       reservedResources,
		reconcileTickSeconds:    reconcileTickSeconds,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSessionTransition(from, to models.SessionStatus) {
	if m == nil {
		return
	}
	m.sessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) SetSessionsByStatus(counts map[models.SessionStatus]int) {
	if m == nil {
		return
	}
	for _, status := range []models.SessionStatus{
		models.StatusInitializing,
		models.StatusActive,
		models.StatusHibernating,
		models.StatusTerminating,
		models.StatusTerminated,
		models.StatusFailed,
	} {
		m.sessionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (m *Metrics) IncScalingDecision(action string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	m.scalingDecisionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) IncSnapshot(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.snapshotsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) SetReservedResources(cpu, memoryMiB, diskMiB float64) {
	if m == nil {
		return
	}
	m.reservedResources.WithLabelValues("cpu").Set(cpu)
	m.reservedResources.WithLabelValues("memory_mib").Set(memoryMiB)
	m.reservedResources.WithLabelValues("disk_mib").Set(diskMiB)
}

func (m *Metrics) ObserveReconcileTick(loop string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.reconcileTickSeconds.WithLabelValues(loop).Observe(seconds)
}
