package providers

import (
	"context"
	"time"
)

// Capability is a named behaviour a model may offer.
type Capability string

const (
	CapabilityTextGeneration       Capability = "text_generation"
	CapabilityChatCompletion       Capability = "chat_completion"
	CapabilityEmbedding            Capability = "embedding"
	CapabilityIntentClassification Capability = "intent_classification"
	CapabilitySentimentAnalysis    Capability = "sentiment_analysis"
	CapabilityEmotionDetection     Capability = "emotion_detection"
	CapabilityLanguageDetection    Capability = "language_detection"
	CapabilityEntityExtraction     Capability = "entity_extraction"
	CapabilityRetrieval            Capability = "retrieval"
)

// ModelType classifies what a model fundamentally does.
type ModelType string

const (
	ModelTypeChat           ModelType = "chat"
	ModelTypeEmbedding      ModelType = "embedding"
	ModelTypeClassification ModelType = "classification"
)

// GenerationParams are the per-model generation knobs. A request may carry
// overrides; zero values mean "use the model's configured value".
type GenerationParams struct {
	Temperature      float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP             float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty,omitempty" json:"frequency_penalty,omitempty"`
	PresencePenalty  float64 `yaml:"presence_penalty,omitempty" json:"presence_penalty,omitempty"`
}

// ModelInfo describes one model in the catalog.
type ModelInfo struct {
	Name     string `yaml:"name" json:"name"`
	Provider string `yaml:"provider" json:"provider"`
	// RemoteModel is the model identifier sent to the provider API when it
	// differs from the catalog name.
	RemoteModel     string           `yaml:"remote_model,omitempty" json:"remote_model,omitempty"`
	Type            ModelType        `yaml:"type" json:"type"`
	Capabilities    []Capability     `yaml:"capabilities" json:"capabilities"`
	MaxTokens       int              `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	ContextWindow   int              `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	Generation      GenerationParams `yaml:"generation,omitempty" json:"generation,omitempty"`
	CostPer1KTokens float64          `yaml:"cost_per_1k_tokens,omitempty" json:"cost_per_1k_tokens,omitempty"`
	Timeout         time.Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries      int              `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Fallbacks       []string         `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
	Active          bool             `yaml:"active" json:"active"`
}

// APIModel returns the identifier to send over the wire.
func (m *ModelInfo) APIModel() string {
	if m.RemoteModel != "" {
		return m.RemoteModel
	}
	return m.Name
}

// SetDefaults applies default values.
func (m *ModelInfo) SetDefaults() {
	if m.Type == "" {
		m.Type = ModelTypeChat
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 4096
	}
	if m.ContextWindow == 0 {
		m.ContextWindow = 8192
	}
	if m.Timeout == 0 {
		m.Timeout = 30 * time.Second
	}
	if m.Generation.Temperature == 0 {
		m.Generation.Temperature = 0.7
	}
	if m.Generation.TopP == 0 {
		m.Generation.TopP = 1.0
	}
}

// HasCapability reports whether the model offers the given capability.
func (m *ModelInfo) HasCapability(c Capability) bool {
	for _, mc := range m.Capabilities {
		if mc == c {
			return true
		}
	}
	return false
}

// TokenUsage records tokens consumed by one provider call.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// Request is a single capability invocation against one model.
type Request struct {
	Capability Capability
	Input      string
	Metadata   map[string]any
	Params     *GenerationParams // optional per-call overrides
}

// Result is the raw outcome of one provider call, before orchestrator gating.
type Result struct {
	Content    string
	Confidence float64
	Usage      TokenUsage
	Metadata   map[string]any
}

// Provider executes capability requests. Concrete HTTP clients live outside
// the engine; implementations here are test doubles and thin adapters.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, model *ModelInfo, req *Request) (*Result, error)
}
