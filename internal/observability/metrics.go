package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and every mesh meter. A nil
// *Metrics is valid everywhere it is accepted and records nothing.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	PoolSize          *prometheus.GaugeVec
	ProvidersEvicted  *prometheus.CounterVec
	CallsTotal        *prometheus.CounterVec
	CallsDropped      *prometheus.CounterVec
	RepliesAbandoned  *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	Announcements     *prometheus.CounterVec
	ChannelConns      *prometheus.GaugeVec
	ChannelMessages   *prometheus.CounterVec
	ChannelSendDrops  prometheus.Counter
	TransportBytesOut *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the mesh metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_operation_duration_seconds",
			Help:    "Duration of operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_operation_total",
			Help: "Total number of operations.",
		}, []string{"operation", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_errors_total",
			Help: "Total number of errors.",
		}, []string{"component", "type"}),

		PoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_pool_providers",
			Help: "Providers currently pooled per service.",
		}, []string{"service"}),
		ProvidersEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_providers_evicted_total",
			Help: "Providers removed from a pool.",
		}, []string{"service", "reason"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_rpc_calls_total",
			Help: "Outbound procedure calls sent.",
		}, []string{"service", "proc"}),
		CallsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_rpc_calls_dropped_total",
			Help: "Outbound procedure calls dropped before reaching the wire.",
		}, []string{"service", "reason"}),
		RepliesAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_rpc_replies_abandoned_total",
			Help: "Pending reply callbacks that will never fire.",
		}, []string{"service", "reason"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_rpc_dispatch_total",
			Help: "Inbound procedure dispatches.",
		}, []string{"proc", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_rpc_dispatch_duration_seconds",
			Help:    "Time spent inside procedure handlers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"proc"}),
		Announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_discovery_announcements_total",
			Help: "Announcements sent and received.",
		}, []string{"backend", "direction"}),
		ChannelConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_channel_connections",
			Help: "Open channel client connections.",
		}, []string{"role"}),
		ChannelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_channel_messages_total",
			Help: "Channel messages processed by type.",
		}, []string{"role", "type"}),
		ChannelSendDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_channel_send_dropped_total",
			Help: "Messages dropped because a connection's send buffer was full.",
		}),
		TransportBytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_transport_bytes_sent_total",
			Help: "Bytes handed to transport links.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.OperationDuration, m.OperationTotal, m.ErrorsTotal,
		m.PoolSize, m.ProvidersEvicted,
		m.CallsTotal, m.CallsDropped, m.RepliesAbandoned,
		m.DispatchTotal, m.DispatchDuration,
		m.Announcements,
		m.ChannelConns, m.ChannelMessages, m.ChannelSendDrops,
		m.TransportBytesOut,
	)
	return m
}

func (m *Metrics) SetPoolSize(service string, n int) {
	if m != nil {
		m.PoolSize.WithLabelValues(service).Set(float64(n))
	}
}

func (m *Metrics) Evicted(service, reason string) {
	if m != nil {
		m.ProvidersEvicted.WithLabelValues(service, reason).Inc()
	}
}

func (m *Metrics) CallSent(service, proc string) {
	if m != nil {
		m.CallsTotal.WithLabelValues(service, proc).Inc()
	}
}

func (m *Metrics) CallDropped(service, reason string) {
	if m != nil {
		m.CallsDropped.WithLabelValues(service, reason).Inc()
	}
}

func (m *Metrics) RepliesLost(service, reason string, n int) {
	if m != nil && n > 0 {
		m.RepliesAbandoned.WithLabelValues(service, reason).Add(float64(n))
	}
}

func (m *Metrics) Dispatched(proc, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(proc, status).Inc()
	if d > 0 {
		m.DispatchDuration.WithLabelValues(proc).Observe(d.Seconds())
	}
}

func (m *Metrics) Announced(backend, direction string) {
	if m != nil {
		m.Announcements.WithLabelValues(backend, direction).Inc()
	}
}

func (m *Metrics) ChannelConn(role string, delta int) {
	if m != nil {
		m.ChannelConns.WithLabelValues(role).Add(float64(delta))
	}
}

func (m *Metrics) ChannelMessage(role, typ string) {
	if m != nil {
		m.ChannelMessages.WithLabelValues(role, typ).Inc()
	}
}

func (m *Metrics) SendDropped() {
	if m != nil {
		m.ChannelSendDrops.Inc()
	}
}

func (m *Metrics) BytesSent(transport string, n int) {
	if m != nil {
		m.TransportBytesOut.WithLabelValues(transport).Add(float64(n))
	}
}

func (m *Metrics) Error(component, typ string) {
	if m != nil {
		m.ErrorsTotal.WithLabelValues(component, typ).Inc()
	}
}
