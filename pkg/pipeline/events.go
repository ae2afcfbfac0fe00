package pipeline

import (
	"time"

	"github.com/dialogtree/dialog/pkg/providers"
)

// TurnEvent is emitted once per processed turn, after write-back.
type TurnEvent struct {
	ConversationID   string
	TenantID         string
	Channel          string
	Intent           string
	IntentConfidence float64
	SentimentLabel   string
	SentimentScore   float64
	Emotion          string
	EmotionIntensity float64
	Confidence       float64
	Model            string
	Usage            providers.TokenUsage
	Elapsed          time.Duration
	Escalated        bool
	Degraded         bool
	FallbackUsed     bool
	At               time.Time
}

// EventSink receives pipeline events. Analytics implements it.
type EventSink interface {
	TurnCompleted(ev TurnEvent)
	ProviderFailure(conversationID, model string, kind providers.ErrorKind)
}
