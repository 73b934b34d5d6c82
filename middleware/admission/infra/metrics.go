package infra

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricNamePass      = "admission.entry.pass"
	metricNameBlock     = "admission.entry.block"
	metricNameException = "admission.entry.exception"
	metricNameRT        = "admission.entry.rt"
)

// Metrics contém os instrumentos OpenTelemetry da facility.
type Metrics struct {
	pass      metric.Int64Counter
	block     metric.Int64Counter
	exception metric.Int64Counter
	rt        metric.Float64Histogram
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("admission-gateway/middleware/admission")

	pass, err := meter.Int64Counter(metricNamePass,
		metric.WithDescription("Entries admitted"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}
	block, err := meter.Int64Counter(metricNameBlock,
		metric.WithDescription("Entries rejected by a rule"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}
	exception, err := meter.Int64Counter(metricNameException,
		metric.WithDescription("Business errors traced on entries"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}
	rt, err := meter.Float64Histogram(metricNameRT,
		metric.WithDescription("Time between entry and exit"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	if err != nil {
		return nil, err
	}
	return &Metrics{pass: pass, block: block, exception: exception, rt: rt}, nil
}

func resourceAttr(resource string) attribute.KeyValue {
	return attribute.String("resource", resource)
}

func (m *Metrics) recordPass(ctx context.Context, resource string) {
	m.pass.Add(ctx, 1, metric.WithAttributes(resourceAttr(resource)))
}

func (m *Metrics) recordBlock(ctx context.Context, resource string, reason string) {
	m.block.Add(ctx, 1, metric.WithAttributes(resourceAttr(resource), attribute.String("reason", reason)))
}

func (m *Metrics) recordException(ctx context.Context, resource string) {
	m.exception.Add(ctx, 1, metric.WithAttributes(resourceAttr(resource)))
}

func (m *Metrics) recordRT(ctx context.Context, resource string, rt time.Duration) {
	m.rt.Record(ctx, rt.Seconds(), metric.WithAttributes(resourceAttr(resource)))
}
