package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// registry регистрирует коллекторы идемпотентно: повторный конструктор метрик
// в том же реестре получает уже зарегистрированный экземпляр.
type registry struct {
	reg prometheus.Registerer
}

func newRegistry(reg prometheus.Registerer) registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return registry{reg: reg}
}

func adopt[T prometheus.Collector](r registry, name string, c T) T {
	err := r.reg.Register(c)
	if err == nil {
		return c
	}
	var dup prometheus.AlreadyRegisteredError
	if !errors.As(err, &dup) {
		panic(fmt.Sprintf("metrics: register %s: %v", name, err))
	}
	existing, ok := dup.ExistingCollector.(T)
	if !ok {
		panic(fmt.Sprintf("metrics: %s is registered as %T", name, dup.ExistingCollector))
	}
	return existing
}

func (r registry) counter(opts prometheus.CounterOpts) prometheus.Counter {
	return adopt[prometheus.Counter](r, opts.Name, prometheus.NewCounter(opts))
}

func (r registry) counterVec(opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	return adopt(r, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func (r registry) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	return adopt[prometheus.Gauge](r, opts.Name, prometheus.NewGauge(opts))
}

func (r registry) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	return adopt[prometheus.Histogram](r, opts.Name, prometheus.NewHistogram(opts))
}

func (r registry) histogramVec(opts prometheus.HistogramOpts, labels ...string) *prometheus.HistogramVec {
	return adopt(r, opts.Name, prometheus.NewHistogramVec(opts, labels))
}
