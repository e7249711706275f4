// Package metrics exposes the server's prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	rooms       prometheus.Gauge
	connections prometheus.Gauge
	joins       *prometheus.CounterVec
	relayed     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "connections",
			Help:      "Open signaling connections.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "joins_total",
			Help:      "Join requests by outcome.",
		}, []string{"outcome"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "relayed_messages_total",
			Help:      "Messages delivered to a connection by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped before delivery by reason.",
		}, []string{"reason"}),
	}
	m.reg.MustRegister(
		m.rooms, m.connections, m.joins, m.relayed, m.dropped,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) RoomCreated() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomDeleted() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) JoinAccepted() {
	if m != nil {
		m.joins.WithLabelValues("accepted").Inc()
	}
}

func (m *Metrics) JoinRejected(reason string) {
	if m != nil {
		m.joins.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Relayed(typ string) {
	if m != nil {
		m.relayed.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}
