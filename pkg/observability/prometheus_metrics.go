package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient backed by a dedicated
// prometheus registry. Collectors are registered lazily, keyed by metric
// name and label-set signature.
type PrometheusMetricsClient struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a new prometheus-backed metrics client
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for HTTP exposition
func (c *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return c.registry
}

func sanitizeMetricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(name)
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectorKey(name string, keys []string) string {
	return name + "|" + strings.Join(keys, ",")
}

func (c *PrometheusMetricsClient) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	keys := labelKeys(labels)
	key := collectorKey(name, keys)

	c.mu.RLock()
	vec, ok := c.counters[key]
	c.mu.RUnlock()
	if ok {
		return vec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok = c.counters[key]; ok {
		return vec
	}
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      sanitizeMetricName(name),
		Help:      name,
	}, keys)
	c.registry.MustRegister(vec)
	c.counters[key] = vec
	return vec
}

func (c *PrometheusMetricsClient) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	keys := labelKeys(labels)
	key := collectorKey(name, keys)

	c.mu.RLock()
	vec, ok := c.gauges[key]
	c.mu.RUnlock()
	if ok {
		return vec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok = c.gauges[key]; ok {
		return vec
	}
	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      sanitizeMetricName(name),
		Help:      name,
	}, keys)
	c.registry.MustRegister(vec)
	c.gauges[key] = vec
	return vec
}

func (c *PrometheusMetricsClient) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	keys := labelKeys(labels)
	key := collectorKey(name, keys)

	c.mu.RLock()
	vec, ok := c.histograms[key]
	c.mu.RUnlock()
	if ok {
		return vec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok = c.histograms[key]; ok {
		return vec
	}
	vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      sanitizeMetricName(name),
		Help:      name,
		Buckets:   prometheus.DefBuckets,
	}, keys)
	c.registry.MustRegister(vec)
	c.histograms[key] = vec
	return vec
}

// IncrementCounter increments a counter without labels
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.counterVec(name, nil).WithLabelValues().Add(value)
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.counterVec(name, labels).With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge value
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.gaugeVec(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram observes a histogram value
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.histogramVec(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer observes a duration in seconds
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation outcome
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	c.RecordOperation("cache", operation, success, durationSeconds, nil)
}

// RecordOperation records a component operation outcome with duration
func (c *PrometheusMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	merged := map[string]string{
		"component": component,
		"operation": operation,
		"success":   boolLabel(success),
	}
	for k, v := range labels {
		merged[k] = v
	}
	c.IncrementCounterWithLabels("operations_total", 1, merged)
	c.RecordHistogram("operation_duration_seconds", durationSeconds, merged)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Close implements MetricsClient
func (c *PrometheusMetricsClient) Close() error { return nil }
