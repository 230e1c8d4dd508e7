package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "personalize"

// Metrics holds the host agent collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessionsCreated  *prometheus.CounterVec
	messages         *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
	completions      prometheus.Counter
	loadTimeouts     prometheus.Counter
	injections       *prometheus.CounterVec
	confirmations    *prometheus.CounterVec
	surfaceOpen      prometheus.Gauge
}

// New registers the collectors on reg; a nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "surface_opens_total",
			Help:      "Customizer open attempts by outcome.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "surface_messages_total",
			Help:      "Validated surface messages by type.",
		}, []string{"type"}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "surface_messages_rejected_total",
			Help:      "Surface messages dropped by the channel.",
		}, []string{"reason"}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "personalizations_completed_total",
			Help:      "Distinct customization payloads applied.",
		}),
		loadTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "surface_load_timeouts_total",
			Help:      "Surfaces revealed after the load timeout elapsed.",
		}),
		injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "cart_injections_total",
			Help:      "Session references attached to purchase submissions.",
		}, []string{"adapter"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: defaultNamespace,
			Name:      "order_confirmations_total",
			Help:      "Order confirmation attempts by outcome.",
		}, []string{"result"}),
		surfaceOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: defaultNamespace,
			Name:      "surface_open",
			Help:      "1 while a surface is loading or ready.",
		}),
	}

	collectors := []prometheus.Collector{
		m.sessionsCreated, m.messages, m.messagesRejected, m.completions,
		m.loadTimeouts, m.injections, m.confirmations, m.surfaceOpen,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) OpenAttempt(result string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(result).Inc()
	if result == "ok" {
		m.surfaceOpen.Set(1)
	}
}

func (m *Metrics) SurfaceClosed() {
	if m == nil {
		return
	}
	m.surfaceOpen.Set(0)
}

func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageRejected(reason string) {
	if m == nil {
		return
	}
	m.messagesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Completed() {
	if m == nil {
		return
	}
	m.completions.Inc()
}

func (m *Metrics) LoadTimeout() {
	if m == nil {
		return
	}
	m.loadTimeouts.Inc()
}

func (m *Metrics) Injected(adapter string) {
	if m == nil {
		return
	}
	m.injections.WithLabelValues(adapter).Inc()
}

func (m *Metrics) Confirmation(result string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(result).Inc()
}
