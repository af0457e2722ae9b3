package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshotter exposes live counts for gauge functions.
type Snapshotter interface {
	ConnectionCount() int
	DocumentCount() int
	SessionCount() int
	PendingSaves() int
}

// Metrics holds the Prometheus collectors of the collaboration server.
type Metrics struct {
	Messages       *prometheus.CounterVec
	Errors         *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	Broadcasts     *prometheus.CounterVec
	Saves          *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	SlowConsumers  prometheus.Counter
	SweptSessions  prometheus.Counter
	HandlerLatency *prometheus.HistogramVec
}

// New registers the event collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_messages_total",
			Help: "Inbound WebSocket messages by event",
		}, []string{"event"}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_errors_total",
			Help: "Error replies sent to clients by code",
		}, []string{"code"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_rate_limited_total",
			Help: "Messages denied by the per-session rate limiter",
		}, []string{"action"}),

		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_broadcasts_total",
			Help: "Room broadcasts by event",
		}, []string{"event"}),

		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_document_saves_total",
			Help: "Document persistence attempts by trigger and result",
		}, []string{"trigger", "result"}),

		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_connections_rejected_total",
			Help: "Refused connection attempts by reason",
		}, []string{"reason"}),

		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_slow_consumer_disconnects_total",
			Help: "Connections closed because their outbound queue was full",
		}),

		SweptSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_swept_sessions_total",
			Help: "Sessions removed by the inactivity sweep",
		}),

		HandlerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docsync_handler_duration_seconds",
			Help:    "Time spent handling one inbound message",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"event"}),
	}

	return m
}

// RegisterGauges exposes the live counts of snap as gauge functions.
func RegisterGauges(reg prometheus.Registerer, snap Snapshotter) {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "docsync_connections",
		Help: "Live WebSocket connections",
	}, func() float64 { return float64(snap.ConnectionCount()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "docsync_documents_active",
		Help: "Documents with at least one joined connection",
	}, func() float64 { return float64(snap.DocumentCount()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "docsync_sessions",
		Help: "Collaboration sessions held in memory",
	}, func() float64 { return float64(snap.SessionCount()) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "docsync_autosave_pending",
		Help: "Documents with a debounced save waiting to fire",
	}, func() float64 { return float64(snap.PendingSaves()) })
}

// RecordMessage counts one inbound message.
func (m *Metrics) RecordMessage(event string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(event).Inc()
}

// RecordError counts one error reply.
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(code).Inc()
}

// RecordRateLimited counts one limiter denial.
func (m *Metrics) RecordRateLimited(action string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(action).Inc()
}

// RecordBroadcast counts one room broadcast.
func (m *Metrics) RecordBroadcast(event string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(event).Inc()
}

// RecordSave counts one persistence attempt.
func (m *Metrics) RecordSave(trigger string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Saves.WithLabelValues(trigger, result).Inc()
}

// RecordRejected counts one refused connection.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

// RecordSlowConsumer counts one slow-consumer disconnect.
func (m *Metrics) RecordSlowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumers.Inc()
}

// RecordSwept counts sessions removed by the sweep.
func (m *Metrics) RecordSwept(n int) {
	if m == nil {
		return
	}
	m.SweptSessions.Add(float64(n))
}

// ObserveHandler records handler latency in seconds.
func (m *Metrics) ObserveHandler(event string, seconds float64) {
	if m == nil {
		return
	}
	m.HandlerLatency.WithLabelValues(event).Observe(seconds)
}
