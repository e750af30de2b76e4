// Package telemetry configures the OpenTelemetry metrics provider and adapts
// it to the gateway's metrics interface.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/venndor/marketgate/internal/observability"
)

// Config declares the OTLP exporter settings.
type Config struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	ExportInterval time.Duration `yaml:"exportInterval"`
}

// Init configures the OpenTelemetry meter provider based on the provided
// configuration and returns a collector suitable for observability.SetMetrics.
// Without an endpoint the collector is backed by a noop provider.
func Init(ctx context.Context, cfg Config) (*Collector, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "marketgate"
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return newCollector(provider.Meter(service)), func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)

	return newCollector(provider.Meter(service)), provider.Shutdown, nil
}

// Collector bridges the gateway metrics interface onto an OpenTelemetry meter.
// Instruments are created lazily on first use and cached by name.
type Collector struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

func newCollector(meter apimetric.Meter) *Collector {
	return &Collector{
		meter:      meter,
		counters:   make(map[string]apimetric.Float64Counter),
		histograms: make(map[string]apimetric.Float64Histogram),
		gauges:     make(map[string]apimetric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter.
func (c *Collector) IncCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	counter, ok := c.counters[name]
	if !ok {
		created, err := c.meter.Float64Counter(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		counter = created
		c.counters[name] = counter
	}
	c.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(toAttributes(labels)...))
}

// ObserveHistogram records value on the named histogram.
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	histogram, ok := c.histograms[name]
	if !ok {
		created, err := c.meter.Float64Histogram(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		histogram = created
		c.histograms[name] = histogram
	}
	c.mu.Unlock()
	histogram.Record(context.Background(), value, apimetric.WithAttributes(toAttributes(labels)...))
}

// SetGauge records the latest value on the named gauge.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	gauge, ok := c.gauges[name]
	if !ok {
		created, err := c.meter.Float64Gauge(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		gauge = created
		c.gauges[name] = gauge
	}
	c.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(toAttributes(labels)...))
}

var _ observability.Metrics = (*Collector)(nil)

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
