package analytics

import (
	"sort"
	"time"
)

// latencySample is a bounded streaming sample for percentile estimation.
// Once full it overwrites in ring order, so quantiles approximate the
// recent distribution rather than the full history.
type latencySample struct {
	values []time.Duration
	next   int
	full   bool
}

func newLatencySample(capacity int) *latencySample {
	return &latencySample{values: make([]time.Duration, 0, capacity)}
}

func (s *latencySample) observe(d time.Duration) {
	if !s.full && len(s.values) < cap(s.values) {
		s.values = append(s.values, d)
		if len(s.values) == cap(s.values) {
			s.full = true
		}
		return
	}
	s.values[s.next] = d
	s.next = (s.next + 1) % len(s.values)
}

// quantile returns the q-th quantile (0 <= q <= 1) of the sample.
func (s *latencySample) quantile(q float64) time.Duration {
	if len(s.values) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(s.values))
	copy(sorted, s.values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// modelStats accumulates per-model observations. Guarded by the
// collector's lock.
type modelStats struct {
	calls         int
	successes     int
	failures      int
	fallbackUses  int
	cacheHits     int
	totalTokens   int
	totalCost     float64
	confidenceSum float64
	confidenceN   int
	latencies     *latencySample
}

// ModelSnapshot is the externally visible per-model aggregate.
type ModelSnapshot struct {
	Model         string        `json:"model"`
	Calls         int           `json:"calls"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	SuccessRate   float64       `json:"success_rate"`
	FallbackRate  float64       `json:"fallback_rate"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	AvgConfidence float64       `json:"avg_confidence"`
	AvgTokens     float64       `json:"avg_tokens"`
	TotalCost     float64       `json:"total_cost"`
	LatencyP50    time.Duration `json:"latency_p50"`
	LatencyP95    time.Duration `json:"latency_p95"`
	LatencyP99    time.Duration `json:"latency_p99"`
}

func (m *modelStats) snapshot(model string) ModelSnapshot {
	snap := ModelSnapshot{
		Model:     model,
		Calls:     m.calls,
		Successes: m.successes,
		Failures:  m.failures,
		TotalCost: m.totalCost,
	}
	if m.calls > 0 {
		snap.SuccessRate = float64(m.successes) / float64(m.calls)
		snap.FallbackRate = float64(m.fallbackUses) / float64(m.calls)
		snap.CacheHitRate = float64(m.cacheHits) / float64(m.calls)
		snap.AvgTokens = float64(m.totalTokens) / float64(m.calls)
	}
	if m.confidenceN > 0 {
		snap.AvgConfidence = m.confidenceSum / float64(m.confidenceN)
	}
	if m.latencies != nil {
		snap.LatencyP50 = m.latencies.quantile(0.50)
		snap.LatencyP95 = m.latencies.quantile(0.95)
		snap.LatencyP99 = m.latencies.quantile(0.99)
	}
	return snap
}
