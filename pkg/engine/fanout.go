package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dialogtree/dialog/pkg/analytics"
	"github.com/dialogtree/dialog/pkg/observability"
	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/pipeline"
	"github.com/dialogtree/dialog/pkg/providers"
)

var errProviderCall = errors.New("provider call failed")

// callRecorder fans provider-call observations out to the analytics
// collector and the otel instruments.
type callRecorder struct {
	collector *analytics.Collector
	metrics   *observability.Metrics
}

var _ orchestrator.Recorder = (*callRecorder)(nil)

func (r *callRecorder) RecordProviderCall(model string, elapsed time.Duration, success bool, tokens int) {
	r.collector.RecordProviderCall(model, elapsed, success, tokens)
	var err error
	if !success {
		err = errProviderCall
	}
	r.metrics.RecordProviderCall(context.Background(), model, elapsed, tokens, err)
}

// turnSink feeds pipeline events to analytics and mirrors the headline
// counters into otel.
type turnSink struct {
	collector *analytics.Collector
	metrics   *observability.Metrics
}

var _ pipeline.EventSink = (*turnSink)(nil)

func (s *turnSink) TurnCompleted(ev pipeline.TurnEvent) {
	s.collector.TurnCompleted(ev)
	s.metrics.RecordTurn(context.Background(), ev.TenantID, ev.Channel, ev.Elapsed, nil)
	if ev.Escalated {
		s.metrics.RecordEscalation(context.Background(), ev.TenantID, "pipeline")
	}
}

func (s *turnSink) ProviderFailure(conversationID, model string, kind providers.ErrorKind) {
	s.collector.ProviderFailure(conversationID, model, kind)
}
