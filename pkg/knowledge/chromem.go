package knowledge

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemConfig configures the embedded knowledge store.
type ChromemConfig struct {
	// PersistPath for file persistence. Empty keeps vectors in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`
	// Compress enables gzip compression for persistence.
	Compress bool `yaml:"compress,omitempty"`
}

// ChromemStore is an embedded per-tenant knowledge base on chromem-go.
// It needs no external service; vectors live in memory with optional
// file persistence.
type ChromemStore struct {
	db          *chromem.DB
	embedder    Embedder
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemStore opens (or creates) the embedded store.
func NewChromemStore(cfg ChromemConfig, embedder Embedder) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := cfg.PersistPath + "/knowledge.gob"
		if cfg.Compress {
			dbPath += ".gz"
		}
		if _, statErr := os.Stat(dbPath); statErr == nil {
			var err error
			db, err = chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				return nil, fmt.Errorf("failed to load knowledge database: %w", err)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	s := &ChromemStore{
		db:          db,
		embedder:    embedder,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		collections: make(map[string]*chromem.Collection),
	}
	return s, nil
}

func (s *ChromemStore) collection(tenantID string) (*chromem.Collection, error) {
	name := "kb_" + tenantID

	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
	col, err := s.db.GetOrCreateCollection(name, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Index adds or replaces one knowledge document for a tenant.
func (s *ChromemStore) Index(ctx context.Context, tenantID, id, content string, metadata map[string]string) error {
	col, err := s.collection(tenantID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	return s.persist()
}

// Retrieve returns up to topK snippets most similar to the query.
func (s *ChromemStore) Retrieve(ctx context.Context, tenantID, query string, topK int) ([]Snippet, error) {
	col, err := s.collection(tenantID)
	if err != nil {
		return nil, err
	}

	// chromem rejects topK above the collection size.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge query failed: %w", err)
	}

	out := make([]Snippet, 0, len(results))
	for _, r := range results {
		out = append(out, Snippet{
			ID:       r.ID,
			Content:  r.Content,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

// Close persists the store if persistence is enabled.
func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := s.persistPath + "/knowledge.gob"
	if s.compress {
		dbPath += ".gz"
	}
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("failed to persist knowledge database: %w", err)
	}
	return nil
}

var _ Retriever = (*ChromemStore)(nil)
