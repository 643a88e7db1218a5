package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives delivery measurements from the processor.
type Metrics interface {
	EventsPublished(topic, publisher string, count int)
	PublishFailed(topic, publisher string)
	ObserveBatch(topic, publisher string, d time.Duration)
}

// NopMetrics discards every measurement. It is the default.
type NopMetrics struct{}

func (NopMetrics) EventsPublished(string, string, int)        {}
func (NopMetrics) PublishFailed(string, string)               {}
func (NopMetrics) ObserveBatch(string, string, time.Duration) {}

// PrometheusMetrics exposes delivery measurements as Prometheus collectors.
type PrometheusMetrics struct {
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the outbox collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Events successfully delivered, by topic and publisher.",
		}, []string{"topic", "publisher"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed publish attempts, by topic and publisher.",
		}, []string{"topic", "publisher"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_batch_duration_seconds",
			Help:    "Duration of one publish batch, by topic and publisher.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "publisher"}),
	}
	reg.MustRegister(m.published, m.failed, m.duration)
	return m
}

func (m *PrometheusMetrics) EventsPublished(topic, publisher string, count int) {
	m.published.WithLabelValues(topic, publisher).Add(float64(count))
}

func (m *PrometheusMetrics) PublishFailed(topic, publisher string) {
	m.failed.WithLabelValues(topic, publisher).Inc()
}

func (m *PrometheusMetrics) ObserveBatch(topic, publisher string, d time.Duration) {
	m.duration.WithLabelValues(topic, publisher).Observe(d.Seconds())
}
