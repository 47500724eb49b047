package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sqlpipe/pkg/pipeline"
)

// MetricsHook implements Prometheus metrics collection
type MetricsHook struct {
	opDuration *prometheus.HistogramVec
	opTotal    *prometheus.CounterVec
	opErrors   *prometheus.CounterVec
	queueWait  *prometheus.HistogramVec
}

var _ pipeline.Hook = (*MetricsHook)(nil)

// NewMetricsHook creates a new metrics hook and registers collectors.
// Collectors already registered by another hook are reused.
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	labels := []string{"queue", "operation"}
	h := &MetricsHook{
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlpipe_operation_duration_seconds",
				Help:    "Duration of database operations in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			labels,
		),
		opTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpipe_operations_total",
				Help: "Total number of database operations",
			},
			labels,
		),
		opErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpipe_operation_errors_total",
				Help: "Total number of failed database operations",
			},
			labels,
		),
		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlpipe_queue_wait_seconds",
				Help:    "Time work items spent waiting in a queue",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"queue", "qos"},
		),
	}

	var err error
	if h.opDuration, err = register(registry, h.opDuration); err != nil {
		return nil, err
	}
	if h.opTotal, err = register(registry, h.opTotal); err != nil {
		return nil, err
	}
	if h.opErrors, err = register(registry, h.opErrors); err != nil {
		return nil, err
	}
	if h.queueWait, err = register(registry, h.queueWait); err != nil {
		return nil, err
	}
	return h, nil
}

func register[C prometheus.Collector](registry prometheus.Registerer, c C) (C, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// BeforeOperation is called before an operation starts
func (h *MetricsHook) BeforeOperation(ctx context.Context, e *pipeline.Event) context.Context {
	return ctx
}

// AfterOperation is called after an operation finished
func (h *MetricsHook) AfterOperation(ctx context.Context, e *pipeline.Event) {
	duration := time.Since(e.StartTime).Seconds()
	op := Operation(e)

	h.opDuration.WithLabelValues(e.Queue, op).Observe(duration)
	h.opTotal.WithLabelValues(e.Queue, op).Inc()

	if e.Err != nil {
		h.opErrors.WithLabelValues(e.Queue, op).Inc()
	}
	if e.Queued {
		h.queueWait.WithLabelValues(e.Queue, string(e.QoS)).Observe(e.Wait.Seconds())
	}
}
