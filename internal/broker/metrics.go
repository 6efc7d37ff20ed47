package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's collectors on a private registry so several
// brokers (tests, mostly) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsOpen   prometheus.Gauge
	sessionsStale  prometheus.Gauge
	registrations  *prometheus.CounterVec
	commands       *prometheus.CounterVec
	commandSeconds *prometheus.HistogramVec
	pending        prometheus.Gauge
	consoleEvents  prometheus.Counter
	pruned         prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		sessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sweetlink",
			Name:      "sessions_open",
			Help:      "Sessions with an open page connection.",
		}),
		sessionsStale: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sweetlink",
			Name:      "sessions_stale",
			Help:      "Sessions whose last heartbeat is older than the tolerance.",
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweetlink",
			Name:      "registrations_total",
			Help:      "Page registrations by outcome.",
		}, []string{"outcome"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweetlink",
			Name:      "commands_total",
			Help:      "Dispatched commands by type and outcome.",
		}, []string{"type", "outcome"}),
		commandSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sweetlink",
			Name:      "command_duration_seconds",
			Help:      "Round trip time of dispatched commands.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"type"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sweetlink",
			Name:      "commands_pending",
			Help:      "Commands waiting for a result.",
		}),
		consoleEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sweetlink",
			Name:      "console_events_total",
			Help:      "Console events received from pages.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sweetlink",
			Name:      "sessions_pruned_total",
			Help:      "Disconnected sessions removed after the grace window.",
		}),
	}
}

func (m *Metrics) observeCommand(kind, outcome string, d time.Duration) {
	m.commands.WithLabelValues(kind, outcome).Inc()
	m.commandSeconds.WithLabelValues(kind).Observe(d.Seconds())
}
