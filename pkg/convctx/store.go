package convctx

import (
	"log/slog"
	"sync"
	"time"
)

// StoreConfig tunes the in-memory context store.
type StoreConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Histories     HistoryConfig `yaml:"histories"`
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.IdleTTL == 0 {
		c.IdleTTL = 24 * time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	c.Histories.SetDefaults()
}

// Store maps conversation ids to their layered contexts. Contexts carry
// their own locks; the store lock only guards the map.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	cfg      StoreConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore builds a context store. Call Start to run the background
// sweeper and Stop to tear it down.
func NewStore(cfg StoreConfig) *Store {
	cfg.SetDefaults()
	return &Store{
		contexts: make(map[string]*Context),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Create builds and stores a fresh context for the conversation.
func (s *Store) Create(conversationID string) *Context {
	c := New(conversationID, s.cfg.Histories)

	s.mu.Lock()
	s.contexts[conversationID] = c
	s.mu.Unlock()

	return c
}

// Get returns the context for a conversation, if present.
func (s *Store) Get(conversationID string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contexts[conversationID]
	return c, ok
}

// GetOrCreate returns the existing context or creates one.
func (s *Store) GetOrCreate(conversationID string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.contexts[conversationID]; ok {
		return c
	}
	c := New(conversationID, s.cfg.Histories)
	s.contexts[conversationID] = c
	return c
}

// Put installs a restored context, replacing any existing one.
func (s *Store) Put(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[c.ConversationID] = c
}

// Drop removes the context for a conversation.
func (s *Store) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, conversationID)
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Sweep removes contexts idle longer than the configured TTL and returns
// how many were evicted.
func (s *Store) Sweep() int {
	cutoff := time.Now().Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, c := range s.contexts {
		if c.LastActivity().Before(cutoff) {
			delete(s.contexts, id)
			evicted++
		}
	}
	return evicted
}

// Start launches the periodic sweeper.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					slog.Info("Context store sweep evicted idle conversations", "count", n)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
