// Package conversation is the typed public surface of the engine: create,
// post, escalate, close, inspect. It owns the per-conversation machine and
// context pair and serialises user turns per conversation.
package conversation

import (
	"errors"
	"time"

	"github.com/dialogtree/dialog/pkg/analytics"
	"github.com/dialogtree/dialog/pkg/convctx"
	"github.com/dialogtree/dialog/pkg/fsm"
)

var (
	ErrInvalidTenant       = errors.New("invalid tenant")
	ErrInvalidChannel      = errors.New("invalid channel")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrInvalidScore        = errors.New("score out of range")
)

// Channels is the closed set of channel tags.
var Channels = map[string]bool{
	"web_chat":       true,
	"mobile_ios":     true,
	"mobile_android": true,
	"email":          true,
	"slack":          true,
	"teams":          true,
	"sms":            true,
	"api":            true,
}

// CreateRequest opens a conversation.
type CreateRequest struct {
	TenantID string         `json:"tenant_id"`
	UserID   string         `json:"user_id,omitempty"`
	Channel  string         `json:"channel"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CloseRequest resolves a conversation. Satisfaction is in [1,5] and NPS
// in [0,10] when provided.
type CloseRequest struct {
	ResolutionType string `json:"resolution_type"`
	Satisfaction   *int   `json:"satisfaction,omitempty"`
	NPS            *int   `json:"nps,omitempty"`
	Summary        string `json:"summary,omitempty"`
}

// EscalateRequest hands a conversation to a human.
type EscalateRequest struct {
	Reason   string         `json:"reason"`
	Target   string         `json:"target,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Status is the quick view of one conversation.
type Status struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	Channel        string    `json:"channel"`
	State          fsm.State `json:"state"`
	Previous       fsm.State `json:"previous,omitempty"`
	CanReceive     bool      `json:"can_receive"`
	UserMessages   int       `json:"user_messages"`
	AIMessages     int       `json:"ai_messages"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Summary is the full context snapshot plus live metrics.
type Summary struct {
	Status  Status                         `json:"status"`
	Context *convctx.Snapshot              `json:"context"`
	Metrics *analytics.ConversationMetrics `json:"metrics,omitempty"`
}

// SystemMetrics aggregates across the engine.
type SystemMetrics struct {
	ActiveConversations int                               `json:"active_conversations"`
	ByState             map[string]int                    `json:"by_state"`
	Models              map[string]analytics.ModelSnapshot `json:"models"`
}

// Health is the manager's health verdict.
type Health struct {
	Status              string `json:"status"`
	ActiveConversations int    `json:"active_conversations"`
	ContextStoreSize    int    `json:"context_store_size"`
}
