package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig controls whether instruments are registered and where
// the scrape endpoint listens.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 9090
	}
}

// InitMetrics wires the otel meter to a prometheus exporter and creates
// the engine's instruments. With Enabled false it returns an inert
// Metrics whose recorders are no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("dialog")

	turnDuration, err := meter.Float64Histogram(
		"dialog_turn_duration_seconds",
		metric.WithDescription("End-to-end turn processing duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	turnsTotal, err := meter.Int64Counter(
		"dialog_turns_total",
		metric.WithDescription("Total processed turns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	turnErrors, err := meter.Int64Counter(
		"dialog_turn_errors_total",
		metric.WithDescription("Total turns that ended in an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn errors counter: %w", err)
	}

	providerDuration, err := meter.Float64Histogram(
		"dialog_provider_call_duration_seconds",
		metric.WithDescription("Model provider call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider duration histogram: %w", err)
	}

	providerCalls, err := meter.Int64Counter(
		"dialog_provider_calls_total",
		metric.WithDescription("Total model provider calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider calls counter: %w", err)
	}

	providerErrors, err := meter.Int64Counter(
		"dialog_provider_errors_total",
		metric.WithDescription("Total failed model provider calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider errors counter: %w", err)
	}

	providerTokens, err := meter.Int64Counter(
		"dialog_provider_tokens_total",
		metric.WithDescription("Total tokens consumed across providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider tokens counter: %w", err)
	}

	escalations, err := meter.Int64Counter(
		"dialog_escalations_total",
		metric.WithDescription("Total conversations escalated to a human"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalations counter: %w", err)
	}

	syncDuration, err := meter.Float64Histogram(
		"dialog_sync_pass_duration_seconds",
		metric.WithDescription("CRM sync pass duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync duration histogram: %w", err)
	}

	syncPasses, err := meter.Int64Counter(
		"dialog_sync_passes_total",
		metric.WithDescription("Total CRM sync passes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync passes counter: %w", err)
	}

	syncErrors, err := meter.Int64Counter(
		"dialog_sync_errors_total",
		metric.WithDescription("Total failed CRM sync passes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync errors counter: %w", err)
	}

	return &Metrics{
		turnDuration:     turnDuration,
		turnsTotal:       turnsTotal,
		turnErrors:       turnErrors,
		providerDuration: providerDuration,
		providerCalls:    providerCalls,
		providerErrors:   providerErrors,
		providerTokens:   providerTokens,
		escalations:      escalations,
		syncDuration:     syncDuration,
		syncPasses:       syncPasses,
		syncErrors:       syncErrors,
		handler:          promhttp.Handler(),
	}, nil
}

// Handler returns the prometheus scrape handler, or a 503 handler when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.handler == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return m.handler
}
