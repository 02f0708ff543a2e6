package pool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/autogenlabs-dev/backend-services/internal/pool"

// Telemetry holds the OpenTelemetry instruments shared by the allocator and
// the releaser.
type Telemetry struct {
	tracer trace.Tracer

	// assignCounter counts assign calls by key type and outcome.
	assignCounter metric.Int64Counter
	// releaseCounter counts release calls by key type and outcome.
	releaseCounter metric.Int64Counter
	// conflictCounter counts reservations lost to a concurrent writer.
	conflictCounter metric.Int64Counter
	// assignDuration records assign latency in milliseconds.
	assignDuration metric.Float64Histogram
}

// NewTelemetry creates the instruments from the given providers.
func NewTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	t.assignCounter, err = meter.Int64Counter(
		"pool.assignments",
		metric.WithDescription("Pool key assign attempts by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create assignments counter: %w", err)
	}

	t.releaseCounter, err = meter.Int64Counter(
		"pool.releases",
		metric.WithDescription("Pool key releases by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create releases counter: %w", err)
	}

	t.conflictCounter, err = meter.Int64Counter(
		"pool.reservation_conflicts",
		metric.WithDescription("Reservations lost to a concurrent update"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conflicts counter: %w", err)
	}

	t.assignDuration, err = meter.Float64Histogram(
		"pool.assign.duration",
		metric.WithDescription("Pool key assign duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create assign duration histogram: %w", err)
	}

	return t, nil
}

// defaultTelemetry builds instruments from the global providers. The globals
// are no-ops until a process installs real ones.
func defaultTelemetry() *Telemetry {
	t, err := NewTelemetry(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		panic(fmt.Sprintf("pool: creating default telemetry: %v", err))
	}
	return t
}

const keyTypeAttr = attribute.Key("pool.key_type")

func (t *Telemetry) start(ctx context.Context, name, keyType string) (context.Context, trace.Span) {
	if keyType == "" {
		return t.tracer.Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(keyTypeAttr.String(keyType)))
}

// tagKeyType sets the key type on a span started before it was known.
func tagKeyType(span trace.Span, keyType string) {
	span.SetAttributes(keyTypeAttr.String(keyType))
}

func (t *Telemetry) recordAssign(ctx context.Context, span trace.Span, keyType string, started time.Time, err error) {
	outcome := outcomeOf(err)
	attrs := metric.WithAttributes(
		attribute.String("key_type", keyType),
		attribute.String("outcome", outcome),
	)
	t.assignCounter.Add(ctx, 1, attrs)
	t.assignDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	endSpan(span, outcome, err)
}

func (t *Telemetry) recordRelease(ctx context.Context, span trace.Span, keyType string, released bool, err error) {
	outcome := outcomeOf(err)
	if err == nil && !released {
		outcome = "noop"
	}
	t.releaseCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("key_type", keyType),
		attribute.String("outcome", outcome),
	))
	endSpan(span, outcome, err)
}

func (t *Telemetry) recordConflict(ctx context.Context, keyType string) {
	t.conflictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key_type", keyType)))
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

func endSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("pool.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}
