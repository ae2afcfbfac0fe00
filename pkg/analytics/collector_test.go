package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogtree/dialog/pkg/fsm"
	"github.com/dialogtree/dialog/pkg/pipeline"
	"github.com/dialogtree/dialog/pkg/providers"
)

func turnEvent(conv string, at time.Time) pipeline.TurnEvent {
	return pipeline.TurnEvent{
		ConversationID:   conv,
		TenantID:         "t1",
		Channel:          "web_chat",
		Intent:           "billing_inquiry",
		IntentConfidence: 0.9,
		SentimentLabel:   "negative",
		SentimentScore:   -0.4,
		Emotion:          "frustrated",
		EmotionIntensity: 0.6,
		Confidence:       0.8,
		Model:            "gpt-x",
		Usage:            providers.TokenUsage{TotalTokens: 120, Cost: 0.012},
		Elapsed:          400 * time.Millisecond,
		At:               at,
	}
}

func TestLiveRecordAccumulates(t *testing.T) {
	c := NewCollector(Config{})
	start := time.Unix(1000, 0)
	c.ConversationStarted("c1", "t1", "web_chat", start)

	c.TurnCompleted(turnEvent("c1", start.Add(2*time.Second)))
	ev := turnEvent("c1", start.Add(10*time.Second))
	ev.IntentConfidence = 0.7
	ev.Confidence = 0.6
	c.TurnCompleted(ev)

	m, ok := c.Live("c1")
	require.True(t, ok)
	assert.Equal(t, 2, m.UserMessages)
	assert.Equal(t, 2, m.AIMessages)
	assert.InDelta(t, 0.8, m.AvgIntentConfidence, 1e-9)
	assert.InDelta(t, 0.7, m.AvgTurnConfidence, 1e-9)
	assert.Equal(t, 2*time.Second, m.FirstResponse)
	assert.Len(t, m.ResponseTimes, 2)
	assert.Equal(t, 240, m.TotalTokens)
	assert.Equal(t, start.Add(10*time.Second), m.LastActivity)
}

func TestNegativeEmotionTimeAccrues(t *testing.T) {
	c := NewCollector(Config{})
	start := time.Unix(1000, 0)
	c.ConversationStarted("c1", "t1", "web_chat", start)

	angry := turnEvent("c1", start.Add(time.Minute))
	angry.Emotion = "angry"
	c.TurnCompleted(angry)

	// Two minutes angry, then calm.
	calm := turnEvent("c1", start.Add(3*time.Minute))
	calm.Emotion = "satisfied"
	c.TurnCompleted(calm)

	m, _ := c.Live("c1")
	assert.Equal(t, 2*time.Minute, m.NegativeEmotionTime)

	// Non-negative trailing emotion adds nothing at finalisation.
	listener := c.FSMListener()
	listener(fsm.Event{ConversationID: "c1", From: fsm.StateResolved, To: fsm.StateArchived, Timestamp: start.Add(10 * time.Minute)})
	sums := c.Summaries(start)
	require.Len(t, sums, 1)
	assert.Equal(t, 2*time.Minute, sums[0].NegativeEmotionTime)
}

func TestFinalizationOnArchival(t *testing.T) {
	c := NewCollector(Config{})
	start := time.Unix(1000, 0)
	c.ConversationStarted("c1", "t1", "web_chat", start)
	c.TurnCompleted(turnEvent("c1", start.Add(time.Second)))

	sat, nps := 4, 9
	c.RecordClosure("c1", "solved", &sat, &nps)

	listener := c.FSMListener()
	listener(fsm.Event{ConversationID: "c1", From: fsm.StateActive, To: fsm.StateResolved, Timestamp: start.Add(time.Minute)})
	listener(fsm.Event{ConversationID: "c1", From: fsm.StateResolved, To: fsm.StateArchived, Timestamp: start.Add(2 * time.Minute)})

	_, ok := c.Live("c1")
	assert.False(t, ok, "live record removed after archival")

	sums := c.Summaries(start)
	require.Len(t, sums, 1)
	s := sums[0]
	assert.True(t, s.Resolved)
	assert.Equal(t, "solved", s.ResolutionType)
	require.NotNil(t, s.Satisfaction)
	assert.Equal(t, 4, *s.Satisfaction)
	require.NotNil(t, s.NPS)
	assert.Equal(t, 9, *s.NPS)
	assert.Equal(t, 2*time.Minute, s.Duration)
	assert.Equal(t, "frustrated", s.PrimaryEmotion)
}

func TestEscalationTransitionFlagsRecord(t *testing.T) {
	c := NewCollector(Config{})
	c.ConversationStarted("c1", "t1", "web_chat", time.Unix(1000, 0))

	listener := c.FSMListener()
	listener(fsm.Event{ConversationID: "c1", From: fsm.StateProcessing, To: fsm.StateEscalated, Timestamp: time.Unix(1060, 0), Reason: "angry customer"})

	m, _ := c.Live("c1")
	assert.True(t, m.Escalated)
	assert.Equal(t, string(fsm.StateEscalated), m.State)
}

func TestSLABreachDuration(t *testing.T) {
	c := NewCollector(Config{})
	start := time.Unix(1000, 0)
	c.ConversationStarted("c1", "t1", "email", start)
	c.MarkSLABreach("c1", start.Add(time.Minute))

	listener := c.FSMListener()
	listener(fsm.Event{ConversationID: "c1", From: fsm.StateAbandoned, To: fsm.StateArchived, Timestamp: start.Add(5 * time.Minute)})

	sums := c.Summaries(start)
	require.Len(t, sums, 1)
	assert.Equal(t, 4*time.Minute, sums[0].SLABreachDuration)
}

func TestModelAggregates(t *testing.T) {
	c := NewCollector(Config{})

	for i := 0; i < 99; i++ {
		c.RecordProviderCall("gpt-x", time.Duration(i+1)*time.Millisecond, true, 100)
	}
	c.RecordProviderCall("gpt-x", time.Second, false, 0)
	c.ProviderFailure("c1", "gpt-x", providers.ErrorKindTimeout)

	snap := c.ModelSnapshots()["gpt-x"]
	assert.Equal(t, 100, snap.Calls)
	assert.Equal(t, 99, snap.Successes)
	assert.Equal(t, 1, snap.Failures)
	assert.InDelta(t, 0.99, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 99.0, snap.AvgTokens, 1e-9)

	assert.Equal(t, 50*time.Millisecond, snap.LatencyP50)
	assert.Equal(t, 95*time.Millisecond, snap.LatencyP95)
	assert.Equal(t, 99*time.Millisecond, snap.LatencyP99)
}

func TestLatencySampleOverwritesOldest(t *testing.T) {
	s := newLatencySample(4)
	for i := 1; i <= 6; i++ {
		s.observe(time.Duration(i) * time.Millisecond)
	}
	// 1ms and 2ms were overwritten by 5ms and 6ms.
	assert.Equal(t, 3*time.Millisecond, s.quantile(0))
	assert.Equal(t, 6*time.Millisecond, s.quantile(1))
}

func TestSummariesRollingWindow(t *testing.T) {
	c := NewCollector(Config{SummaryWindow: time.Hour})
	now := time.Unix(100000, 0)
	c.now = func() time.Time { return now }

	listener := c.FSMListener()
	listener(fsm.Event{ConversationID: "old", To: fsm.StateArchived, Timestamp: now.Add(-2 * time.Hour)})
	listener(fsm.Event{ConversationID: "recent", To: fsm.StateArchived, Timestamp: now.Add(-10 * time.Minute)})

	sums := c.Summaries(time.Time{})
	require.Len(t, sums, 1)
	assert.Equal(t, "recent", sums[0].ConversationID)
}

func TestSummaryRetentionBounded(t *testing.T) {
	c := NewCollector(Config{MaxSummaries: 3})
	listener := c.FSMListener()
	base := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		listener(fsm.Event{ConversationID: string(rune('a' + i)), To: fsm.StateArchived, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	sums := c.Summaries(base.Add(-time.Hour))
	assert.Len(t, sums, 3)
	assert.Equal(t, "c", sums[0].ConversationID)
}
