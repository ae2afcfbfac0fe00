package observability

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder is the narrow surface the rest of the engine records through.
type Recorder interface {
	RecordTurn(ctx context.Context, tenantID, channel string, duration time.Duration, err error)
	RecordProviderCall(ctx context.Context, model string, duration time.Duration, tokens int, err error)
	RecordEscalation(ctx context.Context, tenantID, reason string)
	RecordSyncPass(ctx context.Context, tenantID, objectType string, duration time.Duration, err error)
}

// Metrics records through otel instruments. The zero value is inert.
type Metrics struct {
	turnDuration metric.Float64Histogram
	turnsTotal   metric.Int64Counter
	turnErrors   metric.Int64Counter

	providerDuration metric.Float64Histogram
	providerCalls    metric.Int64Counter
	providerErrors   metric.Int64Counter
	providerTokens   metric.Int64Counter

	escalations metric.Int64Counter

	syncDuration metric.Float64Histogram
	syncPasses   metric.Int64Counter
	syncErrors   metric.Int64Counter

	handler http.Handler
}

func (m *Metrics) RecordTurn(ctx context.Context, tenantID, channel string, duration time.Duration, err error) {
	if m == nil || m.turnDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tenant", tenantID),
		attribute.String("channel", channel),
	}

	m.turnDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.turnsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.turnErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordProviderCall(ctx context.Context, model string, duration time.Duration, tokens int, err error) {
	if m == nil || m.providerDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.providerDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	if tokens > 0 {
		m.providerTokens.Add(ctx, int64(tokens), metric.WithAttributes(attrs...))
	}
	if err != nil {
		m.providerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordEscalation(ctx context.Context, tenantID, reason string) {
	if m == nil || m.escalations == nil {
		return
	}

	m.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordSyncPass(ctx context.Context, tenantID, objectType string, duration time.Duration, err error) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tenant", tenantID),
		attribute.String("object_type", objectType),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.syncPasses.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.syncErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

var _ Recorder = (*Metrics)(nil)
