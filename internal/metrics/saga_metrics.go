package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики чекаут-саги, компенсаций и расчётов.
type SagaMetrics struct {
	// Счётчики чекаутов
	checkoutStarted     prometheus.Counter
	checkoutCompleted   prometheus.Counter
	checkoutFailed      *prometheus.CounterVec
	checkoutCompensated prometheus.Counter
	checkoutReplayed    prometheus.Counter

	// Гистограммы времени выполнения
	checkoutDuration prometheus.Histogram
	stepDuration     *prometheus.HistogramVec

	// Переходы машины состояний саги
	stateTransitions *prometheus.CounterVec

	// Каскады settlement / отмены
	cascades        *prometheus.CounterVec
	cascadeFailures *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в переданном реестре.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	r := newRegistry(registerer)
	return &SagaMetrics{
		checkoutStarted: r.counter(prometheus.CounterOpts{
			Name: "rms_checkout_started_total",
			Help: "Total number of checkout sagas started",
		}),
		checkoutCompleted: r.counter(prometheus.CounterOpts{
			Name: "rms_checkout_completed_total",
			Help: "Total number of checkout sagas completed successfully",
		}),
		checkoutFailed: r.counterVec(prometheus.CounterOpts{
			Name: "rms_checkout_failed_total",
			Help: "Total number of checkout sagas failed, by error kind",
		}, "kind"),
		checkoutCompensated: r.counter(prometheus.CounterOpts{
			Name: "rms_checkout_compensated_total",
			Help: "Total number of checkout sagas that ran compensation",
		}),
		checkoutReplayed: r.counter(prometheus.CounterOpts{
			Name: "rms_checkout_replayed_total",
			Help: "Total number of checkouts answered from the idempotency store",
		}),
		checkoutDuration: r.histogram(prometheus.HistogramOpts{
			Name:    "rms_checkout_duration_seconds",
			Help:    "Duration of checkout sagas in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: r.histogramVec(prometheus.HistogramOpts{
			Name:    "rms_checkout_step_duration_seconds",
			Help:    "Duration of individual checkout steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, "step"),
		stateTransitions: r.counterVec(prometheus.CounterOpts{
			Name: "rms_saga_state_transitions_total",
			Help: "Checkout saga state machine transitions, by target state",
		}, "state"),
		cascades: r.counterVec(prometheus.CounterOpts{
			Name: "rms_cascade_total",
			Help: "Settlement and cancellation cascades, by operation",
		}, "operation"),
		cascadeFailures: r.counterVec(prometheus.CounterOpts{
			Name: "rms_cascade_rental_failures_total",
			Help: "Rentals a cascade could not process, by operation",
		}, "operation"),
		timelineEvents: r.counter(prometheus.CounterOpts{
			Name: "rms_timeline_events_total",
			Help: "Total number of saga timeline events recorded",
		}),
		outboxEvents: r.counter(prometheus.CounterOpts{
			Name: "rms_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}),
		activeSagas: r.gauge(prometheus.GaugeOpts{
			Name: "rms_active_sagas",
			Help: "Number of checkout sagas in flight",
		}),
	}
}

// RecordCheckoutStarted увеличивает счётчик запущенных чекаутов и число активных саг.
func (m *SagaMetrics) RecordCheckoutStarted() {
	m.checkoutStarted.Inc()
	m.activeSagas.Inc()
}

// RecordCheckoutFinished уменьшает число активных саг и пишет длительность.
func (m *SagaMetrics) RecordCheckoutFinished(duration time.Duration) {
	m.activeSagas.Dec()
	m.checkoutDuration.Observe(duration.Seconds())
}

func (m *SagaMetrics) RecordCheckoutCompleted() {
	m.checkoutCompleted.Inc()
}

// RecordCheckoutFailed считает неуспешный чекаут с классом ошибки (validation, conflict, upstream, ...).
func (m *SagaMetrics) RecordCheckoutFailed(kind string) {
	m.checkoutFailed.WithLabelValues(kind).Inc()
}

func (m *SagaMetrics) RecordCheckoutCompensated() {
	m.checkoutCompensated.Inc()
}

func (m *SagaMetrics) RecordCheckoutReplayed() {
	m.checkoutReplayed.Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStateTransition считает переход саги в состояние state.
func (m *SagaMetrics) RecordStateTransition(state string) {
	m.stateTransitions.WithLabelValues(state).Inc()
}

// RecordCascade фиксирует каскад (approve, reject, cancel) и число упавших аренд в нём.
func (m *SagaMetrics) RecordCascade(operation string, failures int) {
	m.cascades.WithLabelValues(operation).Inc()
	if failures > 0 {
		m.cascadeFailures.WithLabelValues(operation).Add(float64(failures))
	}
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *SagaMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SagaMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
