package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]ConversationRecord
	messages      map[string][]MessageRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]ConversationRecord),
		messages:      make(map[string][]MessageRecord),
	}
}

func (s *MemoryStore) PutConversation(_ context.Context, rec *ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Context = append([]byte(nil), rec.Context...)
	s.conversations[rec.ID] = cp
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	cp.Context = append([]byte(nil), rec.Context...)
	return &cp, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, tenantID string, since time.Time) ([]*ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ConversationRecord
	for _, rec := range s.conversations {
		if rec.TenantID != tenantID {
			continue
		}
		if !since.IsZero() && !rec.LastActivityAt.After(since) {
			continue
		}
		cp := rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Sequence = int64(len(s.messages[rec.ConversationID])) + 1
	s.messages[rec.ConversationID] = append(s.messages[rec.ConversationID], cp)
	rec.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*MessageRecord, len(msgs))
	for i := range msgs {
		cp := msgs[i]
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) MessageCount(_ context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

func (s *MemoryStore) Close() error { return nil }
