package observability

import "time"

// NoopMetricsClient discards all metrics. Used in tests and as the default
// when no metrics backend is configured.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (c *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (c *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}
func (c *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
}
func (c *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (c *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (c *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}
func (c *NoopMetricsClient) Close() error { return nil }
