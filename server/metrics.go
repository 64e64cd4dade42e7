package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 记录服务端运行期的关键指标（用于监控与调试）
//
// 所有方法对 nil 接收者安全，未启用监控时可直接传 nil。
type Metrics struct {
	ticks           prometheus.Counter
	tickDuration    prometheus.Histogram
	inputsAccepted  prometheus.Counter
	inputsDiscarded *prometheus.CounterVec // reason: invalid / stale / superseded / overflow / unbound
	snapshotsSent   prometheus.Counter
	activeSessions  prometheus.Gauge
	joins           *prometheus.CounterVec // result: accepted / rejected / failed
	disconnects     prometheus.Counter
	protocolErrors  prometheus.Counter
}

// NewMetrics 在给定 Registerer 上注册指标；reg 为 nil 时使用默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const ns = "spacearena"
	return &Metrics{
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "ticks_total",
			Help: "Total number of simulation ticks advanced",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "tick_duration_seconds",
			Help:    "Time spent simulating and broadcasting one tick",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .02, .033, .05},
		}),
		inputsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "inputs_accepted_total",
			Help: "Input commands applied to the world",
		}),
		inputsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "inputs_discarded_total",
			Help: "Input commands dropped before being applied",
		}, []string{"reason"}),
		snapshotsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "snapshots_sent_total",
			Help: "World snapshots enqueued to sessions",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_sessions",
			Help: "Sessions currently bound to a player slot",
		}),
		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "joins_total",
			Help: "Join attempts by result",
		}, []string{"result"}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "disconnects_total",
			Help: "Bound sessions that disconnected",
		}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "protocol_errors_total",
			Help: "Sessions torn down for framing or protocol errors",
		}),
	}
}

func (m *Metrics) AddTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) IncAccepted() {
	if m != nil {
		m.inputsAccepted.Inc()
	}
}

func (m *Metrics) IncDiscarded(reason string) {
	if m != nil {
		m.inputsDiscarded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AddSnapshots(n int) {
	if m != nil {
		m.snapshotsSent.Add(float64(n))
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *Metrics) IncJoin(result string) {
	if m != nil {
		m.joins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncDisconnect() {
	if m != nil {
		m.disconnects.Inc()
	}
}

func (m *Metrics) IncProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}
