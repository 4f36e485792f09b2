// Package metrics exposes Prometheus collectors for the reconciliation loop,
// action routing and scene execution. A nil *Metrics is valid and records
// nothing, so components can run without observability in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push kinds.
const (
	PushChanged   = "changed"
	PushHeartbeat = "heartbeat"
	PushFull      = "full"
	PushAction    = "action"
	PushScene     = "scene"
)

// Metrics bundles the hub's collectors.
type Metrics struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pushes       *prometheus.CounterVec
	actions      *prometheus.CounterVec
	sceneSteps   *prometheus.CounterVec
	tickDuration prometheus.Histogram
	panelsOnline prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelhub_device_polls_total",
				Help: "Device state polls by adapter and result (changed, unchanged, no_info).",
			},
			[]string{"adapter", "result"},
		),
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelhub_panel_pushes_total",
				Help: "Button-state pushes to panels by kind and result.",
			},
			[]string{"panel", "kind", "result"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelhub_actions_total",
				Help: "Adapter action dispatches by adapter and result.",
			},
			[]string{"adapter", "result"},
		),
		sceneSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelhub_scene_steps_total",
				Help: "Scene steps by status.",
			},
			[]string{"status"},
		),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "panelhub_reconcile_tick_seconds",
			Help:    "Duration of reconciliation ticks.",
			Buckets: prometheus.DefBuckets,
		}),
		panelsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "panelhub_panels_online",
			Help: "Panels currently marked online.",
		}),
	}

	m.registry.MustRegister(
		m.polls,
		m.pushes,
		m.actions,
		m.sceneSteps,
		m.tickDuration,
		m.panelsOnline,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Poll(adapter, result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(adapter, result).Inc()
}

func (m *Metrics) Push(panel, kind string, ok bool) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(panel, kind, outcome(ok)).Inc()
}

func (m *Metrics) Action(adapter string, ok bool) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(adapter, outcome(ok)).Inc()
}

func (m *Metrics) SceneStep(status string) {
	if m == nil {
		return
	}
	m.sceneSteps.WithLabelValues(status).Inc()
}

func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) PanelsOnline(n int) {
	if m == nil {
		return
	}
	m.panelsOnline.Set(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
