package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the analyst's instruments. A nil *Metrics records nothing.
type Metrics struct {
	TaskDuration       metric.Float64Histogram
	TaskTerminal       metric.Int64Counter
	CapabilityDuration metric.Float64Histogram
	CapabilityFailures metric.Int64Counter
	CapabilityRetries  metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("analyst.task.duration",
		metric.WithDescription("Task duration from classification to terminal status"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TaskTerminal, err = meter.Int64Counter("analyst.task.terminal",
		metric.WithDescription("Tasks reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.CapabilityDuration, err = meter.Float64Histogram("analyst.capability.duration",
		metric.WithDescription("Capability call attempt duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.CapabilityFailures, err = meter.Int64Counter("analyst.capability.failures",
		metric.WithDescription("Capability failures by category and reason"),
	); err != nil {
		return nil, err
	}
	if m.CapabilityRetries, err = meter.Int64Counter("analyst.capability.retries",
		metric.WithDescription("Capability calls regenerated after a fatal failure"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("analyst.request.duration",
		metric.WithDescription("Gateway request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("analyst.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the gateway rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTask records a terminal task.
func (m *Metrics) RecordTask(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTaskKind.String(kind), AttrTaskStatus.String(status))
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
	m.TaskTerminal.Add(ctx, 1, attrs)
}

// RecordAttempt records one capability call attempt. category and reason are
// empty for a success.
func (m *Metrics) RecordAttempt(ctx context.Context, capability, role, category, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.CapabilityDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrCapability.String(capability), AttrCallRole.String(role)))
	if category != "" {
		m.CapabilityFailures.Add(ctx, 1, metric.WithAttributes(
			AttrCapability.String(capability),
			AttrFailureCategory.String(category),
			attribute.String("analyst.failure.reason", reason),
		))
	}
}

// RecordRetry counts a regenerated capability call.
func (m *Metrics) RecordRetry(ctx context.Context, capability, role string) {
	if m == nil {
		return
	}
	m.CapabilityRetries.Add(ctx, 1, metric.WithAttributes(
		AttrCapability.String(capability), AttrCallRole.String(role)))
}
