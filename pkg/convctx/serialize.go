package convctx

import (
	"time"

	"github.com/dialogtree/dialog/pkg/providers"
)

// SnapshotVersion tags the serialisation shape.
const SnapshotVersion = 1

// Snapshot is the stable serialised form of a Context. Ring buffers flatten
// to slices; deserialisation re-caps them from the supplied HistoryConfig.
type Snapshot struct {
	Version        int       `json:"version"`
	SerializedAt   time.Time `json:"serialized_at"`
	ConversationID string    `json:"conversation_id"`

	User struct {
		TenantID     string              `json:"tenant_id"`
		UserID       string              `json:"user_id,omitempty"`
		Tier         Tier                `json:"tier,omitempty"`
		VIP          bool                `json:"vip,omitempty"`
		Language     string              `json:"language,omitempty"`
		Timezone     string              `json:"timezone,omitempty"`
		Sentiments   []SentimentRecord   `json:"sentiments,omitempty"`
		Emotions     []EmotionRecord     `json:"emotions,omitempty"`
		Interactions []InteractionRecord `json:"interactions,omitempty"`
	} `json:"user"`

	Session struct {
		State          string         `json:"state,omitempty"`
		PreviousState  string         `json:"previous_state,omitempty"`
		StateHistory   []StateChange  `json:"state_history,omitempty"`
		UserMessages   int            `json:"user_messages,omitempty"`
		AIMessages     int            `json:"ai_messages,omitempty"`
		AgentMessages  int            `json:"agent_messages,omitempty"`
		SystemMessages int            `json:"system_messages,omitempty"`
		StartedAt      time.Time      `json:"started_at"`
		LastActivity   time.Time      `json:"last_activity"`
		Variables      map[string]any `json:"variables,omitempty"`
	} `json:"session"`

	AI struct {
		LastIntent          *IntentRecord        `json:"last_intent,omitempty"`
		IntentHistory       []IntentRecord       `json:"intent_history,omitempty"`
		LastSentiment       *SentimentRecord     `json:"last_sentiment,omitempty"`
		LastEmotion         *EmotionRecord       `json:"last_emotion,omitempty"`
		LastModel           string               `json:"last_model,omitempty"`
		LastUsage           providers.TokenUsage `json:"last_usage"`
		ConfidenceThreshold float64              `json:"confidence_threshold,omitempty"`
		FallbackTriggered   bool                 `json:"fallback_triggered,omitempty"`
	} `json:"ai"`

	Business BusinessLayer `json:"business"`
}

// Snapshot captures the context under its read lock.
func (c *Context) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &Snapshot{
		Version:        SnapshotVersion,
		SerializedAt:   time.Now(),
		ConversationID: c.ConversationID,
	}

	s.User.TenantID = c.User.TenantID
	s.User.UserID = c.User.UserID
	s.User.Tier = c.User.Tier
	s.User.VIP = c.User.VIP
	s.User.Language = c.User.Language
	s.User.Timezone = c.User.Timezone
	s.User.Sentiments = c.User.SentimentHistory.Items()
	s.User.Emotions = c.User.EmotionHistory.Items()
	s.User.Interactions = append([]InteractionRecord(nil), c.User.Interactions...)

	s.Session.State = c.Session.State
	s.Session.PreviousState = c.Session.PreviousState
	s.Session.StateHistory = c.Session.StateHistory.Items()
	s.Session.UserMessages = c.Session.UserMessages
	s.Session.AIMessages = c.Session.AIMessages
	s.Session.AgentMessages = c.Session.AgentMessages
	s.Session.SystemMessages = c.Session.SystemMessages
	s.Session.StartedAt = c.Session.StartedAt
	s.Session.LastActivity = c.Session.LastActivity
	if len(c.Session.Variables) > 0 {
		vars := make(map[string]any, len(c.Session.Variables))
		for k, v := range c.Session.Variables {
			vars[k] = v
		}
		s.Session.Variables = vars
	}

	s.AI.LastIntent = c.AI.LastIntent
	s.AI.IntentHistory = c.AI.IntentHistory.Items()
	s.AI.LastSentiment = c.AI.LastSentiment
	s.AI.LastEmotion = c.AI.LastEmotion
	s.AI.LastModel = c.AI.LastModel
	s.AI.LastUsage = c.AI.LastUsage
	s.AI.ConfidenceThreshold = c.AI.ConfidenceThreshold
	s.AI.FallbackTriggered = c.AI.FallbackTriggered

	s.Business = *c.Business
	s.Business.AppliedRules = append([]string(nil), c.Business.AppliedRules...)
	s.Business.TriggeredWorkflows = append([]string(nil), c.Business.TriggeredWorkflows...)
	s.Business.ComplianceTags = append([]string(nil), c.Business.ComplianceTags...)

	return s
}

// FromSnapshot restores a context. Fields absent from the snapshot adopt
// the same defaults New applies.
func FromSnapshot(s *Snapshot, histories HistoryConfig) *Context {
	c := New(s.ConversationID, histories)

	c.User.TenantID = s.User.TenantID
	c.User.UserID = s.User.UserID
	if s.User.Tier != "" {
		c.User.Tier = s.User.Tier
	}
	c.User.VIP = s.User.VIP
	if s.User.Language != "" {
		c.User.Language = s.User.Language
	}
	c.User.Timezone = s.User.Timezone
	for _, r := range s.User.Sentiments {
		c.User.SentimentHistory.Push(r)
	}
	for _, r := range s.User.Emotions {
		c.User.EmotionHistory.Push(r)
	}
	c.User.Interactions = append([]InteractionRecord(nil), s.User.Interactions...)

	c.Session.State = s.Session.State
	c.Session.PreviousState = s.Session.PreviousState
	for _, r := range s.Session.StateHistory {
		c.Session.StateHistory.Push(r)
	}
	c.Session.UserMessages = s.Session.UserMessages
	c.Session.AIMessages = s.Session.AIMessages
	c.Session.AgentMessages = s.Session.AgentMessages
	c.Session.SystemMessages = s.Session.SystemMessages
	if !s.Session.StartedAt.IsZero() {
		c.Session.StartedAt = s.Session.StartedAt
	}
	if !s.Session.LastActivity.IsZero() {
		c.Session.LastActivity = s.Session.LastActivity
	}
	for k, v := range s.Session.Variables {
		c.Session.Variables[k] = v
	}

	c.AI.LastIntent = s.AI.LastIntent
	for _, r := range s.AI.IntentHistory {
		c.AI.IntentHistory.Push(r)
	}
	c.AI.LastSentiment = s.AI.LastSentiment
	c.AI.LastEmotion = s.AI.LastEmotion
	c.AI.LastModel = s.AI.LastModel
	c.AI.LastUsage = s.AI.LastUsage
	if s.AI.ConfidenceThreshold > 0 {
		c.AI.ConfidenceThreshold = s.AI.ConfidenceThreshold
	}
	c.AI.FallbackTriggered = s.AI.FallbackTriggered

	business := s.Business
	c.Business = &business

	return c
}
