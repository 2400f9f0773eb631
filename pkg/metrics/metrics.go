// Package metrics defines the Recorder façade backed by
// prometheus/client_golang, following tarsy's convention of wrapping
// instrumentation behind a narrow interface rather than sprinkling
// prometheus types through business logic.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counter increments a monotonic count.
type Counter interface {
	Inc()
	Add(n float64)
}

// Gauge sets an instantaneous value.
type Gauge interface {
	Set(v float64)
	Inc()
	Dec()
}

// Histogram records an observation into configured buckets.
type Histogram interface {
	Observe(v float64)
}

// Recorder is the façade every component depends on; it never
// exposes the underlying prometheus registry to callers.
type Recorder interface {
	Counter(name string, labels prometheus.Labels) Counter
	Gauge(name string, labels prometheus.Labels) Gauge
	Histogram(name string, labels prometheus.Labels) Histogram
}

// PrometheusRecorder backs Recorder with prometheus.CounterVec/GaugeVec/
// HistogramVec keyed by whatever label set each call site supplies. It
// never imports an HTTP exposition handler — scraping transport is out of
// scope — only the Registry and vector types are used.
type PrometheusRecorder struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusRecorder constructs a PrometheusRecorder registered against
// registry. Vectors are created lazily per distinct metric name on first use
// and cached, since the label keys in play (incident_id, agent_id, topic,
// dependency name) are not known until call sites register them.
func NewPrometheusRecorder(registry *prometheus.Registry) *PrometheusRecorder {
	return &PrometheusRecorder{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels prometheus.Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

// Counter returns (creating if necessary) the counter vector member for
// name/labels.
func (r *PrometheusRecorder) Counter(name string, labels prometheus.Labels) Counter {
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		r.registry.MustRegister(vec)
		r.counters[name] = vec
	}
	return vec.With(labels)
}

// Gauge returns (creating if necessary) the gauge vector member for
// name/labels.
func (r *PrometheusRecorder) Gauge(name string, labels prometheus.Labels) Gauge {
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		r.registry.MustRegister(vec)
		r.gauges[name] = vec
	}
	return vec.With(labels)
}

// Histogram returns (creating if necessary) the histogram vector member for
// name/labels, using prometheus's default bucket boundaries.
func (r *PrometheusRecorder) Histogram(name string, labels prometheus.Labels) Histogram {
	vec, ok := r.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: prometheus.DefBuckets}, labelKeys(labels))
		r.registry.MustRegister(vec)
		r.histograms[name] = vec
	}
	return vec.With(labels)
}

// nopCounter, nopGauge, nopHistogram back NopRecorder — they discard every
// observation, for unit tests that wire a Recorder but assert nothing about
// metrics output.
type nopCounter struct{}

func (nopCounter) Inc()          {}
func (nopCounter) Add(float64)   {}

type nopGauge struct{}

func (nopGauge) Set(float64) {}
func (nopGauge) Inc()        {}
func (nopGauge) Dec()        {}

type nopHistogram struct{}

func (nopHistogram) Observe(float64) {}

// NopRecorder discards every metric; used in tests that don't assert on
// metrics output.
type NopRecorder struct{}

func (NopRecorder) Counter(string, prometheus.Labels) Counter     { return nopCounter{} }
func (NopRecorder) Gauge(string, prometheus.Labels) Gauge         { return nopGauge{} }
func (NopRecorder) Histogram(string, prometheus.Labels) Histogram { return nopHistogram{} }
