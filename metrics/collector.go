// Package metrics exposes prediction counters and latencies to Prometheus
// and keeps an in-memory summary for the health endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flux"

// Collector receives pipeline observations. *Metrics implements it; a nil
// *Metrics discards everything.
type Collector interface {
	RecordPrediction(sample Sample)
	ObserveStage(stage string, d time.Duration)
	ObserveQueueWait(d time.Duration)
	AdapterReload()
}

// Metrics owns a dedicated registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry
	store    *Store

	predictions     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	imagesGenerated prometheus.Counter
	imagesRejected  prometheus.Counter
	adapterReloads  prometheus.Counter
	queueWait       prometheus.Histogram
}

// New registers the collectors. Go runtime and process collectors are
// included so /metrics is useful on its own.
func New(config StoreConfig) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		store:    NewStore(config, time.Now()),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions finished, by status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time spent per pipeline stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		imagesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_generated_total",
			Help:      "Images returned to callers.",
		}),
		imagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_rejected_total",
			Help:      "Candidates dropped by the safety filter.",
		}),
		adapterReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_reloads_total",
			Help:      "Times the active adapter set was reloaded.",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time requests waited for the generation slot.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}),
	}

	reg.MustRegister(
		m.predictions,
		m.stageDuration,
		m.imagesGenerated,
		m.imagesRejected,
		m.adapterReloads,
		m.queueWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// pre-create label values so series exist before the first prediction
	for _, status := range []string{StatusSucceeded, StatusFailed} {
		m.predictions.WithLabelValues(status)
	}
	return m
}

// Registry returns the dedicated registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Store returns the in-memory summary store.
func (m *Metrics) Store() *Store {
	if m == nil {
		return nil
	}
	return m.store
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPrediction counts a finished prediction.
func (m *Metrics) RecordPrediction(sample Sample) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(sample.Status).Inc()
	m.imagesGenerated.Add(float64(sample.Images))
	m.imagesRejected.Add(float64(sample.Rejected))
	m.stageDuration.WithLabelValues(StageTotal).Observe(sample.Duration.Seconds())
	m.store.Record(sample)
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveQueueWait records how long a request waited for the slot.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
	m.stageDuration.WithLabelValues(StageQueue).Observe(d.Seconds())
}

// AdapterReload counts an adapter set change.
func (m *Metrics) AdapterReload() {
	if m == nil {
		return
	}
	m.adapterReloads.Inc()
}

var _ Collector = (*Metrics)(nil)
