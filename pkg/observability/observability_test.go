package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetricsDisabled(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, m)

	// Recording on inert metrics must not panic.
	m.RecordTurn(context.Background(), "acme", "web_chat", time.Second, nil)
	m.RecordProviderCall(context.Background(), "gpt-4", time.Second, 100, errors.New("boom"))
	m.RecordEscalation(context.Background(), "acme", "anger")
	m.RecordSyncPass(context.Background(), "acme", "contact", time.Second, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInitMetricsEnabled(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: true})
	require.NoError(t, err)

	m.RecordTurn(context.Background(), "acme", "web_chat", 250*time.Millisecond, nil)
	m.RecordProviderCall(context.Background(), "gpt-4", 100*time.Millisecond, 42, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dialog_turns_total")
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTurn(context.Background(), "t", "c", time.Second, nil)
	m.RecordProviderCall(context.Background(), "m", time.Second, 0, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsConfigDefaults(t *testing.T) {
	var cfg MetricsConfig
	cfg.SetDefaults()
	assert.Equal(t, 9090, cfg.Port)
}
