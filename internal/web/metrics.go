package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stasis/stasis/internal/scheduler"
)

// Metrics is the daemon's prometheus surface. It owns its registry so
// several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	fired     *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	reloads   *prometheus.CounterVec
	clock     prometheus.Gauge
	idle      prometheus.Gauge
	inhibited prometheus.Gauge
	paused    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		fired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "actions_fired_total",
			Help:      "Commands dispatched, by action and trigger.",
		}, []string{"action", "trigger"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "actions_skipped_total",
			Help:      "Actions marked fired without running their command.",
		}, []string{"action"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "action_failures_total",
			Help:      "Commands that failed to spawn or exited non-zero.",
		}, []string{"action"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stasis",
			Name:      "command_duration_seconds",
			Help:      "Run time of reaped commands.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 120, 600, 3600},
		}, []string{"action"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "config_reloads_total",
			Help:      "Configuration reloads, by result.",
		}, []string{"result"}),
		clock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stasis",
			Name:      "idle_clock_seconds",
			Help:      "Allowed idle time of the current session.",
		}),
		idle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stasis",
			Name:      "idle",
			Help:      "1 while an idle session is in progress.",
		}),
		inhibited: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stasis",
			Name:      "inhibited",
			Help:      "1 while idle progression is suppressed.",
		}),
		paused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stasis",
			Name:      "paused",
			Help:      "1 while idle timers are manually paused.",
		}),
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) ActionFired(f scheduler.Firing) {
	switch {
	case f.Skipped:
		m.skipped.WithLabelValues(f.Action).Inc()
	case f.Err != nil:
		m.failures.WithLabelValues(f.Action).Inc()
	default:
		m.fired.WithLabelValues(f.Action, string(f.Trigger)).Inc()
	}
}

func (m *Metrics) CommandExited(res scheduler.Result) {
	m.duration.WithLabelValues(res.Name).Observe(res.Duration.Seconds())
	if res.ExitCode != 0 {
		m.failures.WithLabelValues(res.Name).Inc()
	}
}

func (m *Metrics) Observe(st scheduler.Status, suppressed bool) {
	m.clock.Set(st.Clock.Seconds())
	m.idle.Set(boolGauge(st.Idle))
	m.paused.Set(boolGauge(st.Paused))
	m.inhibited.Set(boolGauge(suppressed))
}

func (m *Metrics) Reloaded(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
