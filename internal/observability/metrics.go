package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// IngestMetricsSnapshot captures ingest-focused runtime counters.
type IngestMetricsSnapshot struct {
	QueueDepth    map[string]int   `json:"queue_depth"`
	DroppedFrames map[string]int   `json:"dropped_frames"`
	ParseFailures map[string]int64 `json:"parse_failures"`
}

// RuntimeMetrics accumulates ingest metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu     sync.Mutex
	ingest IngestMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.ingest = IngestMetricsSnapshot{
		QueueDepth:    make(map[string]int),
		DroppedFrames: make(map[string]int),
		ParseFailures: make(map[string]int64),
	}
	return metrics
}

// RecordQueueDepth tracks the latest ingest queue depth for an adapter.
func (m *RuntimeMetrics) RecordQueueDepth(adapter string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest.QueueDepth[adapter] = depth
}

// IncrementDroppedFrames increments the dropped-frame counter for an adapter.
func (m *RuntimeMetrics) IncrementDroppedFrames(adapter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest.DroppedFrames[adapter]++
}

// AddParseFailures accumulates parse failures for an adapter.
func (m *RuntimeMetrics) AddParseFailures(adapter string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest.ParseFailures[adapter] += delta
}

// Snapshot copies the current ingest metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() IngestMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := IngestMetricsSnapshot{
		QueueDepth:    make(map[string]int, len(m.ingest.QueueDepth)),
		DroppedFrames: make(map[string]int, len(m.ingest.DroppedFrames)),
		ParseFailures: make(map[string]int64, len(m.ingest.ParseFailures)),
	}
	for k, v := range m.ingest.QueueDepth {
		snapshot.QueueDepth[k] = v
	}
	for k, v := range m.ingest.DroppedFrames {
		snapshot.DroppedFrames[k] = v
	}
	for k, v := range m.ingest.ParseFailures {
		snapshot.ParseFailures[k] = v
	}
	return snapshot
}
