package analytics

import (
	"sync"
	"time"

	"github.com/dialogtree/dialog/pkg/fsm"
	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/pipeline"
	"github.com/dialogtree/dialog/pkg/providers"
)

// Config tunes the collector's retention.
type Config struct {
	LatencySampleSize int           `yaml:"latency_sample_size"`
	MaxResponseTimes  int           `yaml:"max_response_times"`
	MaxSummaries      int           `yaml:"max_summaries"`
	SummaryWindow     time.Duration `yaml:"summary_window"`
}

func (c *Config) SetDefaults() {
	if c.LatencySampleSize == 0 {
		c.LatencySampleSize = 1024
	}
	if c.MaxResponseTimes == 0 {
		c.MaxResponseTimes = 100
	}
	if c.MaxSummaries == 0 {
		c.MaxSummaries = 10000
	}
	if c.SummaryWindow == 0 {
		c.SummaryWindow = 24 * time.Hour
	}
}

// Collector aggregates conversation and model metrics from pipeline turn
// events, orchestrator call observations and FSM transitions. Events for
// one conversation arrive in causal order with its transitions because
// both are emitted synchronously from the turn path.
type Collector struct {
	cfg Config

	mu        sync.Mutex
	live      map[string]*ConversationMetrics
	summaries []ConversationSummary
	models    map[string]*modelStats

	now func() time.Time
}

var (
	_ pipeline.EventSink    = (*Collector)(nil)
	_ orchestrator.Recorder = (*Collector)(nil)
)

// NewCollector builds a collector.
func NewCollector(cfg Config) *Collector {
	cfg.SetDefaults()
	return &Collector{
		cfg:    cfg,
		live:   make(map[string]*ConversationMetrics),
		models: make(map[string]*modelStats),
		now:    time.Now,
	}
}

// ConversationStarted opens the live record. Called by the conversation
// manager at creation so first-response time has a well-defined origin.
func (c *Collector) ConversationStarted(conversationID, tenantID, channel string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[conversationID]; ok {
		return
	}
	c.live[conversationID] = &ConversationMetrics{
		ConversationID: conversationID,
		TenantID:       tenantID,
		Channel:        channel,
		StartedAt:      at,
		LastActivity:   at,
		State:          string(fsm.StateInitialized),
	}
}

// TurnCompleted folds one processed turn into the live record and the
// per-model aggregates.
func (c *Collector) TurnCompleted(ev pipeline.TurnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.liveLocked(ev.ConversationID, ev.TenantID, ev.Channel, ev.At)
	m.UserMessages++
	m.AIMessages++
	m.LastActivity = ev.At

	if ev.Intent != "" {
		m.intentConfSum += ev.IntentConfidence
		m.intentConfN++
		m.AvgIntentConfidence = m.intentConfSum / float64(m.intentConfN)
	}
	if ev.SentimentLabel != "" {
		m.sentimentSum += ev.SentimentScore
		m.sentimentN++
		m.AvgSentimentScore = m.sentimentSum / float64(m.sentimentN)
	}
	if ev.Emotion != "" {
		m.intensitySum += ev.EmotionIntensity
		m.intensityN++
		m.AvgEmotionIntensity = m.intensitySum / float64(m.intensityN)
	}
	m.turnConfSum += ev.Confidence
	m.turnConfN++
	m.AvgTurnConfidence = m.turnConfSum / float64(m.turnConfN)

	m.observeEmotion(ev.Emotion, ev.At)

	if m.FirstResponse == 0 {
		m.FirstResponse = ev.Elapsed
		if !m.StartedAt.IsZero() && ev.At.After(m.StartedAt) {
			m.FirstResponse = ev.At.Sub(m.StartedAt)
		}
	}
	m.ResponseTimes = append(m.ResponseTimes, ev.Elapsed)
	if len(m.ResponseTimes) > c.cfg.MaxResponseTimes {
		m.ResponseTimes = m.ResponseTimes[len(m.ResponseTimes)-c.cfg.MaxResponseTimes:]
	}

	if ev.Escalated {
		m.Escalated = true
	}
	if ev.Degraded {
		m.DegradedTurns++
	}
	if ev.FallbackUsed {
		m.FallbackTurns++
	}
	m.TotalTokens += ev.Usage.TotalTokens
	m.TotalCost += ev.Usage.Cost

	if ev.Model != "" {
		stats := c.modelLocked(ev.Model)
		stats.confidenceSum += ev.Confidence
		stats.confidenceN++
		stats.totalCost += ev.Usage.Cost
		if ev.FallbackUsed {
			stats.fallbackUses++
		}
	}
}

// ProviderFailure counts one failed provider attempt.
func (c *Collector) ProviderFailure(conversationID, model string, kind providers.ErrorKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.live[conversationID]; ok {
		m.ProviderFailures++
	}
	if model != "" {
		c.modelLocked(model).failures++
	}
}

// RecordProviderCall observes one provider invocation. Satisfies the
// orchestrator's recorder surface so latency and token aggregates come
// straight from the call site.
func (c *Collector) RecordProviderCall(model string, elapsed time.Duration, success bool, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.modelLocked(model)
	stats.calls++
	if success {
		stats.successes++
	}
	stats.totalTokens += tokens
	stats.latencies.observe(elapsed)
}

// RecordCacheHit counts a response served from cache for the model.
func (c *Collector) RecordCacheHit(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modelLocked(model).cacheHits++
}

// MarkSLABreach flags the conversation as over its SLA deadline.
func (c *Collector) MarkSLABreach(conversationID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.live[conversationID]; ok && !m.SLABreached {
		m.SLABreached = true
		m.slaBreachedAt = at
	}
}

// RecordClosure attaches the resolution record. Satisfaction and NPS are
// optional; nil means not provided.
func (c *Collector) RecordClosure(conversationID, resolutionType string, satisfaction, nps *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.live[conversationID]
	if !ok {
		return
	}
	m.resolved = true
	m.resolutionType = resolutionType
	if satisfaction != nil {
		m.satisfaction = *satisfaction
		m.satisfactionSet = true
	}
	if nps != nil {
		m.nps = *nps
		m.npsSet = true
	}
}

// FSMListener returns the transition listener to attach to a machine.
func (c *Collector) FSMListener() fsm.Listener {
	return func(ev fsm.Event) { c.handleTransition(ev) }
}

func (c *Collector) handleTransition(ev fsm.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.live[ev.ConversationID]
	if !ok {
		// Transition observed before an explicit start: open the record.
		m = &ConversationMetrics{
			ConversationID: ev.ConversationID,
			StartedAt:      ev.Timestamp,
		}
		c.live[ev.ConversationID] = m
	}
	m.State = string(ev.To)
	m.LastActivity = ev.Timestamp

	switch ev.To {
	case fsm.StateEscalated:
		m.Escalated = true
	case fsm.StateResolved:
		m.resolved = true
		if m.resolutionType == "" {
			if rt, ok := ev.Metadata["resolution_type"].(string); ok {
				m.resolutionType = rt
			}
		}
	case fsm.StateArchived:
		c.finalizeLocked(m, ev.Timestamp)
	}
}

func (c *Collector) finalizeLocked(m *ConversationMetrics, endedAt time.Time) {
	summary := m.finalize(endedAt)
	delete(c.live, m.ConversationID)

	c.summaries = append(c.summaries, summary)
	if len(c.summaries) > c.cfg.MaxSummaries {
		c.summaries = c.summaries[len(c.summaries)-c.cfg.MaxSummaries:]
	}
}

// Live returns a snapshot of the live record for a conversation.
func (c *Collector) Live(conversationID string) (ConversationMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.live[conversationID]
	if !ok {
		return ConversationMetrics{}, false
	}
	snap := *m
	snap.ResponseTimes = append([]time.Duration(nil), m.ResponseTimes...)
	snap.emotionWindow = append([]string(nil), m.emotionWindow...)
	return snap, true
}

// LiveCount reports how many conversations are currently tracked.
func (c *Collector) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Summaries returns finalised records newer than since, oldest first.
// A zero since applies the configured rolling window.
func (c *Collector) Summaries(since time.Time) []ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since.IsZero() {
		since = c.now().Add(-c.cfg.SummaryWindow)
	}
	var out []ConversationSummary
	for _, s := range c.summaries {
		if s.EndedAt.After(since) {
			out = append(out, s)
		}
	}
	return out
}

// ModelSnapshots returns the per-model aggregates.
func (c *Collector) ModelSnapshots() map[string]ModelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ModelSnapshot, len(c.models))
	for name, stats := range c.models {
		out[name] = stats.snapshot(name)
	}
	return out
}

func (c *Collector) liveLocked(conversationID, tenantID, channel string, at time.Time) *ConversationMetrics {
	m, ok := c.live[conversationID]
	if !ok {
		m = &ConversationMetrics{
			ConversationID: conversationID,
			TenantID:       tenantID,
			Channel:        channel,
			StartedAt:      at,
		}
		c.live[conversationID] = m
	}
	if m.TenantID == "" {
		m.TenantID = tenantID
	}
	if m.Channel == "" {
		m.Channel = channel
	}
	return m
}

func (c *Collector) modelLocked(model string) *modelStats {
	stats, ok := c.models[model]
	if !ok {
		stats = &modelStats{latencies: newLatencySample(c.cfg.LatencySampleSize)}
		c.models[model] = stats
	}
	return stats
}
