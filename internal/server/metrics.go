package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded by the relay.
const (
	resultCreated   = "created"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	OnlineUsers      prometheus.Gauge
	Messages         *prometheus.CounterVec
	InvalidFrames    prometheus.Counter
	RetentionDeleted prometheus.Counter
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatter_connections_active",
			Help: "Number of open channel connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatter_online_users",
			Help: "Number of users with at least one joined connection.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_messages_total",
			Help: "Messages handled by the relay, by outcome.",
		}, []string{"result"}),
		InvalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_invalid_frames_total",
			Help: "Inbound frames discarded as malformed.",
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_retention_deleted_total",
			Help: "Messages removed by the retention worker.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.OnlineUsers,
		m.Messages,
		m.InvalidFrames,
		m.RetentionDeleted,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
