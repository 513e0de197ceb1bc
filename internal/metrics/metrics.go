package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the coordinator and relay.
type Metrics struct {
	registry *prometheus.Registry

	sagaStarted  prometheus.Counter
	sagaFinished *prometheus.CounterVec
	sagaDuration prometheus.Histogram
	stepLatency  *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec

	outboxPublished *prometheus.CounterVec
	outboxDead      *prometheus.CounterVec
	outboxPending   *prometheus.GaugeVec
}

// New creates a metrics registry and registers saga and outbox metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of sagas accepted.",
	})

	sagaFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of sagas reaching a terminal status.",
	}, []string{"status"})

	sagaDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Wall time from submit to terminal status.",
		Buckets: prometheus.DefBuckets,
	})

	stepLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_latency_seconds",
		Help:    "Latency of participant step invocations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	stepRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_attempts_total",
		Help: "Total participant call attempts, including retries.",
	}, []string{"step"})

	outboxPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Total outbox rows published to the event bus.",
	}, []string{"aggregate_type"})

	outboxDead := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dead_total",
		Help: "Total outbox rows marked dead after exhausting publish attempts.",
	}, []string{"aggregate_type"})

	outboxPending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "Pending outbox rows observed at the last relay tick.",
	}, []string{"aggregate_type"})

	registry.MustRegister(sagaStarted, sagaFinished, sagaDuration, stepLatency,
		stepRetries, outboxPublished, outboxDead, outboxPending)

	return &Metrics{
		registry:        registry,
		sagaStarted:     sagaStarted,
		sagaFinished:    sagaFinished,
		sagaDuration:    sagaDuration,
		stepLatency:     stepLatency,
		stepRetries:     stepRetries,
		outboxPublished: outboxPublished,
		outboxDead:      outboxDead,
		outboxPending:   outboxPending,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSagaStarted increments the accepted saga counter.
func (m *Metrics) IncSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
}

// IncSagaFinished increments the terminal status counter.
func (m *Metrics) IncSagaFinished(status string) {
	if m == nil {
		return
	}
	m.sagaFinished.WithLabelValues(status).Inc()
}

// ObserveSagaDuration records submit-to-terminal wall time.
func (m *Metrics) ObserveSagaDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sagaDuration.Observe(d.Seconds())
}

// ObserveStepLatency records one step invocation's latency.
func (m *Metrics) ObserveStepLatency(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(step).Observe(d.Seconds())
}

// AddStepAttempts adds wire attempts for a step.
func (m *Metrics) AddStepAttempts(step string, n int) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Add(float64(n))
}

// IncOutboxPublished increments the published row counter.
func (m *Metrics) IncOutboxPublished(aggregateType string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(aggregateType).Inc()
}

// IncOutboxDead increments the dead row counter.
func (m *Metrics) IncOutboxDead(aggregateType string) {
	if m == nil {
		return
	}
	m.outboxDead.WithLabelValues(aggregateType).Inc()
}

// SetOutboxPending sets the pending rows gauge.
func (m *Metrics) SetOutboxPending(aggregateType string, n int) {
	if m == nil {
		return
	}
	m.outboxPending.WithLabelValues(aggregateType).Set(float64(n))
}
