package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics records
// nothing, so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	RouterState  *prometheus.GaugeVec
	Transitions  *prometheus.CounterVec
	CallsRouted  *prometheus.CounterVec
	CallsEnded   *prometheus.CounterVec
	CachedUnits  prometheus.Gauge
	HubConnected prometheus.Gauge
	LineArmed    prometheus.Gauge
	DoorOpenings *prometheus.CounterVec
}

// New creates and registers all collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vigilia_hub"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RouterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_state",
			Help:      "1 for the router's current state, 0 otherwise",
		}, []string{"state"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_transitions_total",
			Help:      "Router state transitions",
		}, []string{"from", "to"}),
		CallsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_routed_total",
			Help:      "Confirmed units by routing decision",
		}, []string{"route"}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Finished calls by reason",
		}, []string{"reason"}),
		CachedUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_units",
			Help:      "Units in the local decision cache",
		}),
		HubConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_connected",
			Help:      "1 while the hub socket to the backend is up",
		}),
		LineArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "line_armed",
			Help:      "1 while the interception relays are energised",
		}),
		DoorOpenings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "door_openings_total",
			Help:      "Remote door and gate openings",
		}, []string{"access"}),
	}
	m.registry.MustRegister(m.RouterState, m.Transitions, m.CallsRouted, m.CallsEnded,
		m.CachedUnits, m.HubConnected, m.LineArmed, m.DoorOpenings)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition moves the state gauge and counts the transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	m.RouterState.WithLabelValues(from).Set(0)
	m.RouterState.WithLabelValues(to).Set(1)
}

func (m *Metrics) RecordRoute(route string) {
	if m == nil {
		return
	}
	m.CallsRouted.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordCallEnd(reason string) {
	if m == nil {
		return
	}
	m.CallsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCachedUnits(n int) {
	if m == nil {
		return
	}
	m.CachedUnits.Set(float64(n))
}

func (m *Metrics) SetHubConnected(up bool) {
	if m == nil {
		return
	}
	m.HubConnected.Set(boolValue(up))
}

func (m *Metrics) SetLineArmed(armed bool) {
	if m == nil {
		return
	}
	m.LineArmed.Set(boolValue(armed))
}

func (m *Metrics) RecordDoorOpening(access string) {
	if m == nil {
		return
	}
	m.DoorOpenings.WithLabelValues(access).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
