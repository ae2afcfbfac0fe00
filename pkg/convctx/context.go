package convctx

import (
	"sync"
	"time"

	"github.com/dialogtree/dialog/pkg/providers"
)

// HistoryConfig caps the trailing histories.
type HistoryConfig struct {
	Sentiment    int `yaml:"sentiment"`
	Emotion      int `yaml:"emotion"`
	Intent       int `yaml:"intent"`
	StateChanges int `yaml:"state_changes"`
}

// SetDefaults applies default values.
func (c *HistoryConfig) SetDefaults() {
	if c.Sentiment == 0 {
		c.Sentiment = 100
	}
	if c.Emotion == 0 {
		c.Emotion = 100
	}
	if c.Intent == 0 {
		c.Intent = 20
	}
	if c.StateChanges == 0 {
		c.StateChanges = 50
	}
}

// Context is the four-layer record owned by exactly one conversation.
// All mutation goes through methods holding the context's own lock; the
// store never hands out shared mutable layer structs.
type Context struct {
	mu sync.RWMutex

	ConversationID string
	User           *UserLayer
	Session        *SessionLayer
	AI             *AILayer
	Business       *BusinessLayer
}

// New builds an empty context for a conversation.
func New(conversationID string, histories HistoryConfig) *Context {
	histories.SetDefaults()
	now := time.Now()
	return &Context{
		ConversationID: conversationID,
		User: &UserLayer{
			Tier:             TierStandard,
			Language:         "en",
			SentimentHistory: NewRing[SentimentRecord](histories.Sentiment),
			EmotionHistory:   NewRing[EmotionRecord](histories.Emotion),
		},
		Session: &SessionLayer{
			StateHistory: NewRing[StateChange](histories.StateChanges),
			StartedAt:    now,
			LastActivity: now,
			Variables:    make(map[string]any),
		},
		AI: &AILayer{
			IntentHistory:       NewRing[IntentRecord](histories.Intent),
			ConfidenceThreshold: 0.7,
		},
		Business: &BusinessLayer{},
	}
}

// Update runs fn under the context's write lock.
func (c *Context) Update(fn func(*Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Read runs fn under the context's read lock.
func (c *Context) Read(fn func(*Context)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c)
}

// RecordStateChange appends a transition to the session layer.
func (c *Context) RecordStateChange(from, to string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Session.PreviousState = from
	c.Session.State = to
	c.Session.StateHistory.Push(StateChange{From: from, To: to, At: at})
	c.Session.LastActivity = at
}

// TurnRecord carries the per-turn analysis results written back after a
// successful pipeline pass.
type TurnRecord struct {
	Intent            *IntentRecord
	Sentiment         *SentimentRecord
	Emotion           *EmotionRecord
	Model             string
	Usage             providers.TokenUsage
	FallbackTriggered bool
	At                time.Time
}

// ApplyTurn records one completed user turn. This is the single write-back
// of the pipeline: it bumps message counters, trailing histories and the AI
// layer in one critical section.
func (c *Context) ApplyTurn(rec TurnRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	c.Session.UserMessages++
	c.Session.AIMessages++
	c.Session.LastActivity = at

	if rec.Intent != nil {
		c.AI.LastIntent = rec.Intent
		c.AI.IntentHistory.Push(*rec.Intent)
	}
	if rec.Sentiment != nil {
		c.AI.LastSentiment = rec.Sentiment
		c.User.SentimentHistory.Push(*rec.Sentiment)
	}
	if rec.Emotion != nil {
		c.AI.LastEmotion = rec.Emotion
		c.User.EmotionHistory.Push(*rec.Emotion)
	}
	c.AI.LastModel = rec.Model
	c.AI.LastUsage = rec.Usage
	c.AI.FallbackTriggered = rec.FallbackTriggered
}

// Touch bumps the session's last-activity timestamp.
func (c *Context) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Session.LastActivity = time.Now()
}

// LastActivity returns the session's last-activity timestamp.
func (c *Context) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session.LastActivity
}

// SentimentTrend reports whether the user's trailing sentiment is improving,
// worsening or flat, comparing the mean of the older half against the newer.
func (c *Context) SentimentTrend() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := c.User.SentimentHistory.Items()
	if len(items) < 4 {
		return "flat"
	}
	mid := len(items) / 2
	var older, newer float64
	for _, s := range items[:mid] {
		older += s.Score
	}
	for _, s := range items[mid:] {
		newer += s.Score
	}
	older /= float64(mid)
	newer /= float64(len(items) - mid)

	switch {
	case newer-older > 0.1:
		return "improving"
	case older-newer > 0.1:
		return "worsening"
	default:
		return "flat"
	}
}
