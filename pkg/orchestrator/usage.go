package orchestrator

import (
	"sync"
	"time"

	"github.com/dialogtree/dialog/pkg/providers"
)

// ModelStats aggregates usage for one model.
type ModelStats struct {
	Requests      int64   `json:"requests"`
	Failures      int64   `json:"failures"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
}

// UsageTracker accumulates per-model stats and per-provider cost.
// All counters are monotonically non-decreasing until Reset.
type UsageTracker struct {
	mu           sync.Mutex
	models       map[string]*ModelStats
	providerCost map[string]float64
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		models:       make(map[string]*ModelStats),
		providerCost: make(map[string]float64),
	}
}

func (t *UsageTracker) statsFor(model string) *ModelStats {
	s, ok := t.models[model]
	if !ok {
		s = &ModelStats{}
		t.models[model] = s
	}
	return s
}

// RecordSuccess updates counters and running averages for a successful call.
func (t *UsageTracker) RecordSuccess(model, provider string, usage providers.TokenUsage, confidence float64, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.statsFor(model)
	n := float64(s.Requests)
	s.Requests++
	s.TotalTokens += int64(usage.TotalTokens)
	s.TotalCost += usage.Cost
	s.AvgConfidence = (s.AvgConfidence*n + confidence) / float64(s.Requests)
	s.AvgLatencyMS = (s.AvgLatencyMS*n + float64(elapsed.Milliseconds())) / float64(s.Requests)

	t.providerCost[provider] += usage.Cost
}

// RecordFailure counts a failed attempt against the model.
func (t *UsageTracker) RecordFailure(model string, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.statsFor(model)
	n := float64(s.Requests)
	s.Requests++
	s.Failures++
	s.AvgLatencyMS = (s.AvgLatencyMS*n + float64(elapsed.Milliseconds())) / float64(s.Requests)
}

// ModelStats returns a snapshot of per-model stats.
func (t *UsageTracker) ModelStats() map[string]ModelStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ModelStats, len(t.models))
	for name, s := range t.models {
		out[name] = *s
	}
	return out
}

// ProviderCost returns a snapshot of cumulative cost per provider.
func (t *UsageTracker) ProviderCost() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]float64, len(t.providerCost))
	for name, c := range t.providerCost {
		out[name] = c
	}
	return out
}

// Reset clears all accumulated stats. Reset is explicit; nothing expires.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.models = make(map[string]*ModelStats)
	t.providerCost = make(map[string]float64)
}
