package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics: метрики обслуживания ключей идемпотентности чекаутов.
type IdempotencyMetrics struct {
	sweeps    *prometheus.CounterVec
	abandoned prometheus.Counter
	purged    prometheus.Counter
	lastSweep prometheus.Gauge
}

// NewIdempotencyMetricsWithRegisterer создаёт метрики в переданном реестре (nil: DefaultRegisterer).
func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	r := newRegistry(registerer)
	return &IdempotencyMetrics{
		sweeps: r.counterVec(prometheus.CounterOpts{
			Name: "rms_idempotency_sweeps_total",
			Help: "Idempotency key sweeps, by result",
		}, "result"),
		abandoned: r.counter(prometheus.CounterOpts{
			Name: "rms_idempotency_abandoned_total",
			Help: "Checkout keys stuck in processing that were marked failed",
		}),
		purged: r.counter(prometheus.CounterOpts{
			Name: "rms_idempotency_purged_total",
			Help: "Expired checkout keys deleted",
		}),
		lastSweep: r.gauge(prometheus.GaugeOpts{
			Name: "rms_idempotency_last_sweep_timestamp_seconds",
			Help: "Unix time of the last successful sweep",
		}),
	}
}

// RecordSweep фиксирует итог прогона; при успехе обновляет время последнего прогона.
func (m *IdempotencyMetrics) RecordSweep(ok bool, unix float64) {
	if !ok {
		m.sweeps.WithLabelValues("error").Inc()
		return
	}
	m.sweeps.WithLabelValues("ok").Inc()
	m.lastSweep.Set(unix)
}

func (m *IdempotencyMetrics) AddAbandoned(n int) {
	m.abandoned.Add(float64(n))
}

func (m *IdempotencyMetrics) AddPurged(n int) {
	m.purged.Add(float64(n))
}
