package analytics

import (
	"time"
)

// negativeEmotions marks the labels that accrue negative-emotion time.
// The keys come from the closed emotion vocabulary the pipeline elicits.
var negativeEmotions = map[string]bool{
	"angry":      true,
	"frustrated": true,
	"confused":   true,
}

const emotionWindowSize = 20

// ConversationMetrics is the live record for one active conversation.
type ConversationMetrics struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	Channel        string    `json:"channel"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`

	UserMessages int `json:"user_messages"`
	AIMessages   int `json:"ai_messages"`

	AvgIntentConfidence float64         `json:"avg_intent_confidence"`
	AvgSentimentScore   float64         `json:"avg_sentiment_score"`
	AvgEmotionIntensity float64         `json:"avg_emotion_intensity"`
	AvgTurnConfidence   float64         `json:"avg_turn_confidence"`
	ProviderFailures    int             `json:"provider_failures"`
	DegradedTurns       int             `json:"degraded_turns"`
	FallbackTurns       int             `json:"fallback_turns"`
	Escalated           bool            `json:"escalated"`
	SLABreached         bool            `json:"sla_breached"`
	FirstResponse       time.Duration   `json:"first_response"`
	ResponseTimes       []time.Duration `json:"response_times"`
	NegativeEmotionTime time.Duration   `json:"negative_emotion_time"`
	TotalTokens         int             `json:"total_tokens"`
	TotalCost           float64         `json:"total_cost"`
	State               string          `json:"state"`

	// running sums behind the averages
	intentConfSum   float64
	intentConfN     int
	sentimentSum    float64
	sentimentN      int
	intensitySum    float64
	intensityN      int
	turnConfSum     float64
	turnConfN       int
	emotionWindow   []string
	lastEmotion     string
	lastEmotionAt   time.Time
	slaBreachedAt   time.Time
	resolved        bool
	resolutionType  string
	satisfaction    int
	satisfactionSet bool
	nps             int
	npsSet          bool
}

// ConversationSummary is the immutable record produced at archival.
type ConversationSummary struct {
	ConversationID string        `json:"conversation_id"`
	TenantID       string        `json:"tenant_id"`
	Channel        string        `json:"channel"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
	Duration       time.Duration `json:"duration"`

	UserMessages int `json:"user_messages"`
	AIMessages   int `json:"ai_messages"`

	Resolved       bool   `json:"resolved"`
	ResolutionType string `json:"resolution_type,omitempty"`
	Satisfaction   *int   `json:"satisfaction,omitempty"`
	NPS            *int   `json:"nps,omitempty"`
	Escalated      bool   `json:"escalated"`

	PrimaryEmotion      string        `json:"primary_emotion,omitempty"`
	NegativeEmotionTime time.Duration `json:"negative_emotion_time"`
	SLABreachDuration   time.Duration `json:"sla_breach_duration"`
	FirstResponse       time.Duration `json:"first_response"`
	AvgTurnConfidence   float64       `json:"avg_turn_confidence"`
	ProviderFailures    int           `json:"provider_failures"`
	TotalTokens         int           `json:"total_tokens"`
	TotalCost           float64       `json:"total_cost"`
}

func (m *ConversationMetrics) observeEmotion(emotion string, at time.Time) {
	if emotion == "" {
		return
	}
	if m.lastEmotion != "" && negativeEmotions[m.lastEmotion] && at.After(m.lastEmotionAt) {
		m.NegativeEmotionTime += at.Sub(m.lastEmotionAt)
	}
	m.lastEmotion = emotion
	m.lastEmotionAt = at

	m.emotionWindow = append(m.emotionWindow, emotion)
	if len(m.emotionWindow) > emotionWindowSize {
		m.emotionWindow = m.emotionWindow[len(m.emotionWindow)-emotionWindowSize:]
	}
}

// primaryEmotion returns the mode of the trailing emotion window. Ties go
// to the label observed most recently.
func (m *ConversationMetrics) primaryEmotion() string {
	counts := make(map[string]int, len(m.emotionWindow))
	best := ""
	bestCount := 0
	for _, e := range m.emotionWindow {
		counts[e]++
		if counts[e] >= bestCount {
			best = e
			bestCount = counts[e]
		}
	}
	return best
}

func (m *ConversationMetrics) finalize(endedAt time.Time) ConversationSummary {
	if m.lastEmotion != "" && negativeEmotions[m.lastEmotion] && endedAt.After(m.lastEmotionAt) {
		m.NegativeEmotionTime += endedAt.Sub(m.lastEmotionAt)
		m.lastEmotionAt = endedAt
	}

	summary := ConversationSummary{
		ConversationID:      m.ConversationID,
		TenantID:            m.TenantID,
		Channel:             m.Channel,
		StartedAt:           m.StartedAt,
		EndedAt:             endedAt,
		Duration:            endedAt.Sub(m.StartedAt),
		UserMessages:        m.UserMessages,
		AIMessages:          m.AIMessages,
		Resolved:            m.resolved,
		ResolutionType:      m.resolutionType,
		Escalated:           m.Escalated,
		PrimaryEmotion:      m.primaryEmotion(),
		NegativeEmotionTime: m.NegativeEmotionTime,
		FirstResponse:       m.FirstResponse,
		AvgTurnConfidence:   m.AvgTurnConfidence,
		ProviderFailures:    m.ProviderFailures,
		TotalTokens:         m.TotalTokens,
		TotalCost:           m.TotalCost,
	}
	if m.SLABreached && endedAt.After(m.slaBreachedAt) {
		summary.SLABreachDuration = endedAt.Sub(m.slaBreachedAt)
	}
	if m.satisfactionSet {
		v := m.satisfaction
		summary.Satisfaction = &v
	}
	if m.npsSet {
		v := m.nps
		summary.NPS = &v
	}
	return summary
}
