// Package telemetry owns the OpenTelemetry instruments recorded by the engine.
// Without a configured MeterProvider the global noop meter is used and every
// call is a cheap no-op.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "dspflow"

// Outcome labels shared by the instruments.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
	OutcomeRetried = "retried"
	OutcomeDropped = "dropped"
	OutcomeDead    = "dead_lettered"
)

// Metrics groups the instruments. A nil *Metrics records nothing.
type Metrics struct {
	taskDuration   metric.Float64Histogram
	taskExecutions metric.Int64Counter
	transitions    metric.Int64Counter
	cdcRecords     metric.Int64Counter
	busPublished   metric.Int64Counter
	busConsumed    metric.Int64Counter
}

// NewGlobal builds instruments on the global MeterProvider.
func NewGlobal() *Metrics {
	return New(otel.Meter(meterName))
}

// New builds instruments on meter. Instrument errors fall back to the noop
// instruments the API returns alongside them.
func New(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.taskDuration, _ = meter.Float64Histogram(
		"dspflow.task.duration",
		metric.WithDescription("Duration of task execution in seconds"),
		metric.WithUnit("s"),
	)
	m.taskExecutions, _ = meter.Int64Counter(
		"dspflow.task.executions",
		metric.WithDescription("Total number of task executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	m.transitions, _ = meter.Int64Counter(
		"dspflow.process.transitions",
		metric.WithDescription("Persisted process state transitions"),
		metric.WithUnit("{transition}"),
	)
	m.cdcRecords, _ = meter.Int64Counter(
		"dspflow.cdc.records",
		metric.WithDescription("Replication records handled by the change listener"),
		metric.WithUnit("{record}"),
	)
	m.busPublished, _ = meter.Int64Counter(
		"dspflow.bus.published",
		metric.WithDescription("Events published to the bus"),
		metric.WithUnit("{event}"),
	)
	m.busConsumed, _ = meter.Int64Counter(
		"dspflow.bus.consumed",
		metric.WithDescription("Events consumed from the bus by outcome"),
		metric.WithUnit("{event}"),
	)
	return m
}

// TaskExecuted records one task execution.
func (m *Metrics) TaskExecuted(ctx context.Context, group, name, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("task", name),
		attribute.String("outcome", outcome),
	)
	m.taskDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.taskExecutions.Add(ctx, 1, attrs)
}

// Transitioned records a persisted state change.
func (m *Metrics) Transitioned(ctx context.Context, kind, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordReplicated records one replication record.
func (m *Metrics) RecordReplicated(ctx context.Context, table, action, outcome string) {
	if m == nil {
		return
	}
	m.cdcRecords.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// EventPublished records a publish attempt.
func (m *Metrics) EventPublished(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.busPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}

// EventConsumed records a consumed bus message.
func (m *Metrics) EventConsumed(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.busConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}
