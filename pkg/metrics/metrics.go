// Package metrics defines the prometheus instruments recorded by the engine
// and the gateway. Collectors are created unregistered when no registerer is
// given, so instrumented code never needs nil checks.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics counts client activity inside one engine.
type EngineMetrics struct {
	ClientsStarted    prometheus.Counter
	ClientsClosed     prometheus.Counter
	ClientsTimedOut   prometheus.Counter
	ClientsRegistered prometheus.Gauge
	BytesRead         prometheus.Counter
	TimersFired       prometheus.Counter
}

// NewEngineMetrics builds the engine instruments and registers them when r
// is not nil.
func NewEngineMetrics(r prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		ClientsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "clients_started_total",
			Help:      "Number of clients started by the engine.",
		}),
		ClientsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "clients_closed_total",
			Help:      "Number of clients that reached their terminal event.",
		}),
		ClientsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "clients_timed_out_total",
			Help:      "Number of clients closed by their timeout timer.",
		}),
		ClientsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "clients_registered",
			Help:      "Clients currently admitted to the run.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "bytes_read_total",
			Help:      "Bytes delivered by client streams.",
		}),
		TimersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "engine",
			Name:      "timers_fired_total",
			Help:      "Timers fired by the engine loop.",
		}),
	}
	if r != nil {
		r.MustRegister(
			m.ClientsStarted, m.ClientsClosed, m.ClientsTimedOut,
			m.ClientsRegistered, m.BytesRead, m.TimersFired,
		)
	}
	return m
}

// GatewayMetrics counts propagation messages through one gateway.
type GatewayMetrics struct {
	MessagesIn  *prometheus.CounterVec
	MessagesOut *prometheus.CounterVec
}

// NewGatewayMetrics builds the gateway instruments and registers them when r
// is not nil. Counters are labeled by message type.
func NewGatewayMetrics(r prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "gateway",
			Name:      "messages_in_total",
			Help:      "Propagation messages received, by type.",
		}, []string{"type"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "gateway",
			Name:      "messages_out_total",
			Help:      "Propagation messages sent, by type.",
		}, []string{"type"}),
	}
	if r != nil {
		r.MustRegister(m.MessagesIn, m.MessagesOut)
	}
	return m
}
