package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	var total float64
	for m := range ch {
		var metric dto.Metric
		if err := m.Write(&metric); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		switch {
		case metric.Counter != nil:
			total += metric.Counter.GetValue()
		case metric.Gauge != nil:
			total += metric.Gauge.GetValue()
		}
	}
	return total
}

func TestNewSagaMetricsWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSagaMetricsWithRegisterer(reg)

	if m.checkoutStarted == nil || m.checkoutFailed == nil || m.stepDuration == nil || m.activeSagas == nil {
		t.Fatal("expected all collectors to be initialized")
	}

	// повторная регистрация в том же реестре возвращает существующие коллекторы
	again := NewSagaMetricsWithRegisterer(reg)
	if again.checkoutStarted != m.checkoutStarted {
		t.Fatal("expected the already registered counter to be reused")
	}
}

func TestCheckoutLifecycleMetrics(t *testing.T) {
	m := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCheckoutStarted()
	if got := counterValue(t, m.activeSagas); got != 1 {
		t.Fatalf("expected 1 active saga, got %v", got)
	}

	m.RecordCheckoutCompleted()
	m.RecordCheckoutFinished(15 * time.Millisecond)
	if got := counterValue(t, m.activeSagas); got != 0 {
		t.Fatalf("expected 0 active sagas, got %v", got)
	}
	if got := counterValue(t, m.checkoutCompleted); got != 1 {
		t.Fatalf("expected 1 completed checkout, got %v", got)
	}
}

func TestFailureAndCascadeMetrics(t *testing.T) {
	m := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCheckoutFailed("conflict")
	m.RecordCheckoutFailed("conflict")
	m.RecordCheckoutFailed("upstream")
	if got := counterValue(t, m.checkoutFailed.WithLabelValues("conflict")); got != 2 {
		t.Fatalf("expected 2 conflict failures, got %v", got)
	}

	m.RecordCascade("approve", 0)
	m.RecordCascade("approve", 2)
	if got := counterValue(t, m.cascades.WithLabelValues("approve")); got != 2 {
		t.Fatalf("expected 2 approve cascades, got %v", got)
	}
	if got := counterValue(t, m.cascadeFailures.WithLabelValues("approve")); got != 2 {
		t.Fatalf("expected 2 failed rentals, got %v", got)
	}

	m.RecordStateTransition("compensated")
	if got := counterValue(t, m.stateTransitions.WithLabelValues("compensated")); got != 1 {
		t.Fatalf("expected 1 compensated transition, got %v", got)
	}
}

func TestIdempotencyMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIdempotencyMetricsWithRegisterer(reg)

	m.RecordSweep(true, 1700000000)
	m.AddAbandoned(2)
	m.AddPurged(5)
	m.AddPurged(1)

	if got := counterValue(t, m.abandoned); got != 2 {
		t.Fatalf("unexpected abandoned: %v", got)
	}
	if got := counterValue(t, m.purged); got != 6 {
		t.Fatalf("unexpected purged: %v", got)
	}
	if got := counterValue(t, m.lastSweep); got != 1700000000 {
		t.Fatalf("unexpected last sweep: %v", got)
	}
	if got := counterValue(t, m.sweeps); got != 1 {
		t.Fatalf("unexpected sweeps: %v", got)
	}

	// повторная регистрация возвращает те же коллекторы
	again := NewIdempotencyMetricsWithRegisterer(reg)
	if again.purged != m.purged {
		t.Fatal("expected existing collector on re-registration")
	}
}
