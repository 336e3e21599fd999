package sip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics of the stack.
// All methods are safe to call on a nil receiver, they do nothing then.
type Metrics struct {
	txActive      *prometheus.GaugeVec
	txTotal       *prometheus.CounterVec
	txRetransmits *prometheus.CounterVec
	txTimeouts    *prometheus.CounterVec
	dlgActive     *prometheus.GaugeVec
	dlgTotal      prometheus.Counter
	tpErrors      *prometheus.CounterVec
	msgsRecv      *prometheus.CounterVec
	msgsDropped   *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// NewMetrics creates stack metrics registered on the registerer.
// If reg is nil, metrics are collected but not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns = "sip"
	return &Metrics{
		txActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Number of live transactions.",
		}, []string{"type"}),
		txTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Total number of created transactions.",
		}, []string{"type"}),
		txRetransmits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "retransmissions_total",
			Help:      "Total number of message retransmissions.",
		}, []string{"type"}),
		txTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transaction",
			Name:      "timeouts_total",
			Help:      "Total number of timed out transactions.",
		}, []string{"type"}),
		dlgActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Number of live dialogs by state.",
		}, []string{"state"}),
		dlgTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "dialog",
			Name:      "created_total",
			Help:      "Total number of created dialogs.",
		}),
		tpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Total number of send failures.",
		}, []string{"proto"}),
		msgsRecv: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Total number of parsed inbound messages.",
		}, []string{"proto", "kind"}),
		msgsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "transport",
			Name:      "messages_dropped_total",
			Help:      "Total number of dropped inbound messages.",
		}, []string{"proto", "reason"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "processor",
			Name:      "queue_depth",
			Help:      "Number of datagrams waiting for a worker.",
		}, []string{"proto"}),
	}
}

func (m *Metrics) txCreated(typ TransactionType) {
	if m == nil {
		return
	}
	m.txTotal.WithLabelValues(string(typ)).Inc()
	m.txActive.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) txTerminated(typ TransactionType) {
	if m == nil {
		return
	}
	m.txActive.WithLabelValues(string(typ)).Dec()
}

func (m *Metrics) txRetransmitted(typ TransactionType) {
	if m == nil {
		return
	}
	m.txRetransmits.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) txTimedOut(typ TransactionType) {
	if m == nil {
		return
	}
	m.txTimeouts.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) dialogCreated(state DialogState) {
	if m == nil {
		return
	}
	m.dlgTotal.Inc()
	m.dlgActive.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) dialogStateChanged(from, to DialogState) {
	if m == nil {
		return
	}
	m.dlgActive.WithLabelValues(string(from)).Dec()
	if to != DialogStateTerminated {
		m.dlgActive.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) transportError(proto TransportProto) {
	if m == nil {
		return
	}
	m.tpErrors.WithLabelValues(string(proto)).Inc()
}

func (m *Metrics) msgReceived(proto TransportProto, msg Message) {
	if m == nil {
		return
	}
	kind := "response"
	if _, ok := msg.(*Request); ok {
		kind = "request"
	}
	m.msgsRecv.WithLabelValues(string(proto), kind).Inc()
}

func (m *Metrics) msgDropped(proto TransportProto, reason string) {
	if m == nil {
		return
	}
	m.msgsDropped.WithLabelValues(string(proto), reason).Inc()
}

func (m *Metrics) setQueueDepth(proto TransportProto, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(proto)).Set(float64(n))
}
