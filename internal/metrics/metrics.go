package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the tracker's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	commands     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	hookWarnings prometheus.Counter
	turn         prometheus.Gauge
	segment      prometheus.Gauge
	combatants   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heroinit_commands_total",
			Help: "Commands applied to the session, by command and result.",
		}, []string{"command", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heroinit_command_duration_seconds",
			Help:    "Time spent holding the session lock per command.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"command"}),
		hookWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heroinit_hook_warnings_total",
			Help: "Inter-turn hook failures.",
		}),
		turn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heroinit_turn",
			Help: "Current turn number.",
		}),
		segment: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heroinit_segment",
			Help: "Current segment, 0 at the inter-turn marker.",
		}),
		combatants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heroinit_combatants",
			Help: "Combatants in the session.",
		}),
	}
	m.registry.MustRegister(
		m.commands, m.duration, m.hookWarnings, m.turn, m.segment, m.combatants,
		collectors.NewGoCollector(),
	)
	return m
}

// Observe records one command outcome.
func (m *Metrics) Observe(command string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(command, result).Inc()
	m.duration.WithLabelValues(command).Observe(time.Since(started).Seconds())
}

// SetPosition publishes the cursor and roster size.
func (m *Metrics) SetPosition(turn, segment, combatants int) {
	if m == nil {
		return
	}
	m.turn.Set(float64(turn))
	m.segment.Set(float64(segment))
	m.combatants.Set(float64(combatants))
}

func (m *Metrics) HookWarning() {
	if m == nil {
		return
	}
	m.hookWarnings.Inc()
}

// Registry exposes the underlying registry for tests and custom handlers.
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
