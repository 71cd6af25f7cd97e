// Package metrics adapts a Prometheus registry to the name-based counter and
// histogram sinks used elsewhere in the codebase. Collectors are created
// lazily on first use; the label set observed on that first call becomes the
// schema for the metric.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink records counters and histograms into a dedicated Prometheus registry.
// It is safe for concurrent use.
type Sink struct {
	registry  *prometheus.Registry
	namespace string

	mu         sync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// NewSink creates a Sink with its own registry (the default registry is left
// alone). namespace prefixes every metric name; pass "" for none.
func NewSink(namespace string) *Sink {
	return &Sink{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		counters:   make(map[string]*counterEntry),
		histograms: make(map[string]*histogramEntry),
	}
}

// Handler returns an http.Handler serving the registry in Prometheus
// exposition format, suitable for mounting at /metrics.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// IncCounter increments the named counter by one.
func (s *Sink) IncCounter(name string, tags map[string]string) {
	s.mu.Lock()
	entry, ok := s.counters[name]
	if !ok {
		labels := sortedKeys(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
		}, labels)
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			return
		}
		entry = &counterEntry{vec: vec, labels: labels}
		s.counters[name] = entry
	}
	s.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Inc()
}

// ObserveHistogram records value into the named histogram using the default
// bucket layout.
func (s *Sink) ObserveHistogram(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	entry, ok := s.histograms[name]
	if !ok {
		labels := sortedKeys(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labels)
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			return
		}
		entry = &histogramEntry{vec: vec, labels: labels}
		s.histograms[name] = entry
	}
	s.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// labelValues maps tags onto the label schema captured at metric creation.
// Tags absent from the call produce empty values; tags outside the schema are
// dropped.
func labelValues(labels []string, tags map[string]string) []string {
	vals := make([]string, len(labels))
	for i, l := range labels {
		vals[i] = tags[l]
	}
	return vals
}
