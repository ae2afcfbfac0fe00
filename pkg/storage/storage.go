// Package storage persists conversations, their message log and CRM sync
// records. A SQL implementation backs production; the in-memory one backs
// tests and single-process deployments.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ConversationRecord is the persisted shape of one conversation. Context
// is the serialised layered context snapshot.
type ConversationRecord struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id,omitempty"`
	Channel        string    `json:"channel"`
	State          string    `json:"state"`
	Previous       string    `json:"previous,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Context        []byte    `json:"context,omitempty"`
}

// MessageRecord is one logged message. Sequence numbers are assigned per
// conversation, starting at 1.
type MessageRecord struct {
	ConversationID string    `json:"conversation_id"`
	Sequence       int64     `json:"sequence"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationStore persists conversation records.
type ConversationStore interface {
	PutConversation(ctx context.Context, rec *ConversationRecord) error
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
	ListConversations(ctx context.Context, tenantID string, since time.Time) ([]*ConversationRecord, error)
	DeleteConversation(ctx context.Context, id string) error
}

// MessageStore persists the per-conversation message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, rec *MessageRecord) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error)
	MessageCount(ctx context.Context, conversationID string) (int, error)
}

// Store is the combined persistence surface.
type Store interface {
	ConversationStore
	MessageStore
	Close() error
}
