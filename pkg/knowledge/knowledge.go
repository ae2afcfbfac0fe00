package knowledge

import (
	"context"
)

// Snippet is one retrieved knowledge fragment with its similarity score.
type Snippet struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Retriever answers a free-text query with the most relevant snippets.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query string, topK int) ([]Snippet, error)
}

// Embedder turns text into a vector. The production implementation
// dispatches the embedding capability through the orchestrator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
