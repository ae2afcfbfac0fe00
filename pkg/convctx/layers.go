package convctx

import (
	"time"

	"github.com/dialogtree/dialog/pkg/providers"
)

// Tier is the customer tier of the conversation owner.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// SentimentRecord is one sentiment observation.
type SentimentRecord struct {
	Score float64   `json:"score"`
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// EmotionRecord is one emotion observation.
type EmotionRecord struct {
	Emotion   string    `json:"emotion"`
	Intensity float64   `json:"intensity"`
	At        time.Time `json:"at"`
}

// IntentRecord is one intent classification.
type IntentRecord struct {
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// StateChange is one FSM transition as seen by the session layer.
type StateChange struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// InteractionRecord summarises one past interaction of the user.
type InteractionRecord struct {
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Resolved       bool      `json:"resolved"`
	At             time.Time `json:"at"`
}

// UserLayer holds facts stable across sessions.
type UserLayer struct {
	TenantID         string               `json:"tenant_id"`
	UserID           string               `json:"user_id,omitempty"`
	Tier             Tier                 `json:"tier"`
	VIP              bool                 `json:"vip"`
	Language         string               `json:"language"`
	Timezone         string               `json:"timezone"`
	SentimentHistory *Ring[SentimentRecord] `json:"-"`
	EmotionHistory   *Ring[EmotionRecord]   `json:"-"`
	Interactions     []InteractionRecord  `json:"interactions,omitempty"`
}

// SessionLayer tracks the live session.
type SessionLayer struct {
	State          string             `json:"state"`
	PreviousState  string             `json:"previous_state,omitempty"`
	StateHistory   *Ring[StateChange] `json:"-"`
	UserMessages   int                `json:"user_messages"`
	AIMessages     int                `json:"ai_messages"`
	AgentMessages  int                `json:"agent_messages"`
	SystemMessages int                `json:"system_messages"`
	StartedAt      time.Time          `json:"started_at"`
	LastActivity   time.Time          `json:"last_activity"`
	Variables      map[string]any     `json:"variables,omitempty"`
}

// AILayer tracks per-turn analysis outcomes.
type AILayer struct {
	LastIntent          *IntentRecord        `json:"last_intent,omitempty"`
	IntentHistory       *Ring[IntentRecord]  `json:"-"`
	LastSentiment       *SentimentRecord     `json:"last_sentiment,omitempty"`
	LastEmotion         *EmotionRecord       `json:"last_emotion,omitempty"`
	LastModel           string               `json:"last_model,omitempty"`
	LastUsage           providers.TokenUsage `json:"last_usage"`
	ConfidenceThreshold float64              `json:"confidence_threshold"`
	FallbackTriggered   bool                 `json:"fallback_triggered"`
}

// BusinessLayer tracks SLA, escalation and routing facts.
type BusinessLayer struct {
	SLABreached        bool       `json:"sla_breached"`
	SLADeadline        *time.Time `json:"sla_deadline,omitempty"`
	Escalated          bool       `json:"escalated"`
	EscalationReason   string     `json:"escalation_reason,omitempty"`
	EscalationLevel    int        `json:"escalation_level"`
	AppliedRules       []string   `json:"applied_rules,omitempty"`
	TriggeredWorkflows []string   `json:"triggered_workflows,omitempty"`
	ComplianceTags     []string   `json:"compliance_tags,omitempty"`
	PriorityOverride   string     `json:"priority_override,omitempty"`
	Queue              string     `json:"queue,omitempty"`
	Agent              string     `json:"agent,omitempty"`
}
