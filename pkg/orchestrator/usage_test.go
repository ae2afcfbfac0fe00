package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dialogtree/dialog/pkg/providers"
)

func TestUsageTracker_RecordSuccess(t *testing.T) {
	tr := NewUsageTracker()

	tr.RecordSuccess("m1", "p1", providers.TokenUsage{TotalTokens: 100, Cost: 0.01}, 0.8, 100*time.Millisecond)
	tr.RecordSuccess("m1", "p1", providers.TokenUsage{TotalTokens: 300, Cost: 0.03}, 0.6, 300*time.Millisecond)

	stats := tr.ModelStats()["m1"]
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(400), stats.TotalTokens)
	assert.InDelta(t, 0.04, stats.TotalCost, 1e-9)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
	assert.InDelta(t, 200, stats.AvgLatencyMS, 1e-9)

	assert.InDelta(t, 0.04, tr.ProviderCost()["p1"], 1e-9)
}

func TestUsageTracker_RecordFailure(t *testing.T) {
	tr := NewUsageTracker()

	tr.RecordFailure("m1", 50*time.Millisecond)

	stats := tr.ModelStats()["m1"]
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestUsageTracker_Monotonic(t *testing.T) {
	tr := NewUsageTracker()

	var lastTokens int64
	var lastCost float64
	for i := 0; i < 5; i++ {
		tr.RecordSuccess("m", "p", providers.TokenUsage{TotalTokens: 10, Cost: 0.001}, 0.9, time.Millisecond)
		stats := tr.ModelStats()["m"]
		assert.GreaterOrEqual(t, stats.TotalTokens, lastTokens)
		assert.GreaterOrEqual(t, stats.TotalCost, lastCost)
		lastTokens = stats.TotalTokens
		lastCost = stats.TotalCost
	}
}

func TestUsageTracker_Reset(t *testing.T) {
	tr := NewUsageTracker()
	tr.RecordSuccess("m", "p", providers.TokenUsage{TotalTokens: 10}, 0.9, time.Millisecond)

	tr.Reset()
	assert.Empty(t, tr.ModelStats())
	assert.Empty(t, tr.ProviderCost())
}
