package h1

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the binding layer does. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ParsersCreated   prometheus.Counter
	ParsersReused    prometheus.Counter
	ParsersDestroyed prometheus.Counter
	PoolIdle         prometheus.Gauge
	Connections      prometheus.Gauge
	Messages         prometheus.Counter
	Pauses           prometheus.Counter
	Resumes          prometheus.Counter
	Upgrades         *prometheus.CounterVec
	ClientErrors     *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg under namespace. A nil reg
// registers nothing but still returns working collectors.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ParsersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_parsers_created_total",
			Help:      "Parsers built because the pool was empty",
		}),
		ParsersReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_parsers_reused_total",
			Help:      "Parsers handed out from the pool",
		}),
		ParsersDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_parsers_destroyed_total",
			Help:      "Parsers closed because the pool was full",
		}),
		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "h1_pool_idle_parsers",
			Help:      "Parsers idle in the pool",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "h1_connections",
			Help:      "Connections with a parser attached",
		}),
		Messages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_messages_total",
			Help:      "Complete incoming messages",
		}),
		Pauses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_backpressure_pauses_total",
			Help:      "Read side paused because of outgoing backlog",
		}),
		Resumes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_backpressure_resumes_total",
			Help:      "Read side resumed after the backlog drained",
		}),
		Upgrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_upgrades_total",
			Help:      "Upgrade and CONNECT handoffs by outcome",
		}, []string{"kind", "outcome"}),
		ClientErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "h1_client_errors_total",
			Help:      "Parse and transport errors by cause",
		}, []string{"cause"}),
	}
}

func (m *Metrics) parserCreated() {
	if m != nil {
		m.ParsersCreated.Inc()
	}
}

func (m *Metrics) parserReused() {
	if m != nil {
		m.ParsersReused.Inc()
	}
}

func (m *Metrics) parserDestroyed() {
	if m != nil {
		m.ParsersDestroyed.Inc()
	}
}

func (m *Metrics) setIdle(n int) {
	if m != nil {
		m.PoolIdle.Set(float64(n))
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) message() {
	if m != nil {
		m.Messages.Inc()
	}
}

func (m *Metrics) paused() {
	if m != nil {
		m.Pauses.Inc()
	}
}

func (m *Metrics) resumed() {
	if m != nil {
		m.Resumes.Inc()
	}
}

func (m *Metrics) upgrade(kind, outcome string) {
	if m != nil {
		m.Upgrades.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) clientError(cause string) {
	if m != nil {
		m.ClientErrors.WithLabelValues(cause).Inc()
	}
}
