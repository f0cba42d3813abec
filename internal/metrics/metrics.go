// Package metrics provides a Prometheus-backed implementation of the
// MetricsSink interface consumed by the session manager and engine. Metric
// vectors are created lazily on first use; the label set a name is first
// observed with becomes its fixed schema.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements sessions.MetricsSink.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func New(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		reg:        reg,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *Prometheus) IncCounter(name string, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
		}, labelNames(tags))
		p.reg.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if m, err := vec.GetMetricWith(labelValues(tags)); err == nil {
		m.Inc()
	}
}

func (p *Prometheus) ObserveHistogram(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(tags))
		p.reg.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	if m, err := vec.GetMetricWith(labelValues(tags)); err == nil {
		m.Observe(value)
	}
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelValues(tags map[string]string) prometheus.Labels {
	if tags == nil {
		return prometheus.Labels{}
	}
	return prometheus.Labels(tags)
}
