package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dialogtree/dialog/pkg/httpclient"
)

// ClientConfig configures one OpenAI-compatible provider endpoint. Azure,
// vLLM, Ollama and most gateways speak the same chat-completions dialect.
type ClientConfig struct {
	Name       string        `yaml:"name" json:"name"`
	Type       string        `yaml:"type,omitempty" json:"type,omitempty"`
	APIKey     string        `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL    string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

func (c *ClientConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *ClientConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider missing name")
	}
	if c.Type != "openai" {
		return fmt.Errorf("provider %s has unsupported type: %s", c.Name, c.Type)
	}
	return nil
}

// defaultEmotions is the closed vocabulary the adaptation layer keys its
// strategies on. Requests may narrow or replace it through metadata.
var defaultEmotions = []string{
	"angry", "frustrated", "confused", "neutral", "satisfied", "happy", "excited",
}

// OpenAIProvider serves capability requests over an OpenAI-compatible
// chat-completions API. Analysis capabilities ask for strict JSON; the
// generation capabilities pass text through.
type OpenAIProvider struct {
	cfg    ClientConfig
	client *httpclient.Client
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(cfg ClientConfig) (*OpenAIProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OpenAIProvider{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	TopP           float64        `json:"top_p,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// Invoke executes one capability request against the endpoint.
func (p *OpenAIProvider) Invoke(ctx context.Context, model *ModelInfo, req *Request) (*Result, error) {
	if req.Capability == CapabilityEmbedding {
		vector, usage, err := p.embed(ctx, model, req.Input)
		if err != nil {
			return nil, err
		}
		return &Result{
			Confidence: 1,
			Usage:      usage,
			Metadata:   map[string]any{"embedding": vector},
		}, nil
	}

	messages, jsonMode := p.messagesFor(req)

	params := model.Generation
	if req.Params != nil {
		params = *req.Params
	}
	body := chatRequest{
		Model:       model.APIModel(),
		Messages:    messages,
		MaxTokens:   model.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	if jsonMode {
		body.ResponseFormat = map[string]any{"type": "json_object"}
		// Deterministic output for classification.
		body.Temperature = 0
	}

	var out chatResponse
	if err := p.doJSON(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, NewProviderError(ErrorKindInvalidResponse, model.Name, out.Error.Message, nil)
	}
	if len(out.Choices) == 0 {
		return nil, NewProviderError(ErrorKindInvalidResponse, model.Name, "response carried no choices", nil)
	}

	usage := TokenUsage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	choice := out.Choices[0]

	if !jsonMode {
		confidence := 0.95
		if choice.FinishReason != "stop" {
			// Truncated generations are suspect.
			confidence = 0.5
		}
		return &Result{Content: choice.Message.Content, Confidence: confidence, Usage: usage}, nil
	}

	result, err := parseAnalysis(req.Capability, choice.Message.Content)
	if err != nil {
		return nil, NewProviderError(ErrorKindInvalidResponse, model.Name, err.Error(), err)
	}
	result.Usage = usage
	return result, nil
}

// messagesFor builds the prompt for a capability. The second return value
// marks JSON mode.
func (p *OpenAIProvider) messagesFor(req *Request) ([]chatMessage, bool) {
	switch req.Capability {
	case CapabilityLanguageDetection:
		return []chatMessage{
			{Role: "system", Content: `Identify the language of the user message. Respond with JSON: {"language": "<ISO 639-1 code>", "confidence": <0..1>}`},
			{Role: "user", Content: req.Input},
		}, true

	case CapabilityIntentClassification:
		instruction := `Classify the customer-service intent of the user message. Respond with JSON: {"intent": "<label>", "confidence": <0..1>, "params": {<extracted parameters>}}`
		if intents := metaStrings(req.Metadata, "intents"); len(intents) > 0 {
			instruction += " Allowed intents: " + strings.Join(intents, ", ") + "."
		}
		return []chatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: req.Input},
		}, true

	case CapabilitySentimentAnalysis:
		return []chatMessage{
			{Role: "system", Content: `Analyze the sentiment of the user message. Respond with JSON: {"label": "positive"|"neutral"|"negative", "score": <-1..1>, "confidence": <0..1>}`},
			{Role: "user", Content: req.Input},
		}, true

	case CapabilityEmotionDetection:
		emotions := metaStrings(req.Metadata, "emotions")
		if len(emotions) == 0 {
			emotions = defaultEmotions
		}
		instruction := `Detect the dominant emotion of the user message. Respond with JSON: {"emotion": "<label>", "intensity": <0..1>, "confidence": <0..1>}` +
			" Allowed emotions: " + strings.Join(emotions, ", ") + "."
		return []chatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: req.Input},
		}, true

	case CapabilityEntityExtraction:
		return []chatMessage{
			{Role: "system", Content: `Extract named entities from the user message. Respond with JSON: {"entities": [{"type": "<type>", "value": "<value>", "confidence": <0..1>}], "confidence": <0..1>}`},
			{Role: "user", Content: req.Input},
		}, true

	default:
		messages := []chatMessage{}
		if sys := metaString(req.Metadata, "system"); sys != "" {
			messages = append(messages, chatMessage{Role: "system", Content: sys})
		}
		return append(messages, chatMessage{Role: "user", Content: req.Input}), false
	}
}

func parseAnalysis(capability Capability, content string) (*Result, error) {
	payload := []byte(strings.TrimSpace(content))

	switch capability {
	case CapabilityLanguageDetection:
		var out struct {
			Language   string  `json:"language"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("malformed language payload: %w", err)
		}
		return &Result{Content: out.Language, Confidence: out.Confidence}, nil

	case CapabilityIntentClassification:
		var out struct {
			Intent     string         `json:"intent"`
			Confidence float64        `json:"confidence"`
			Params     map[string]any `json:"params"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("malformed intent payload: %w", err)
		}
		if out.Params == nil {
			out.Params = map[string]any{}
		}
		return &Result{
			Content:    out.Intent,
			Confidence: out.Confidence,
			Metadata:   map[string]any{"params": out.Params},
		}, nil

	case CapabilitySentimentAnalysis:
		var out struct {
			Label      string  `json:"label"`
			Score      float64 `json:"score"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("malformed sentiment payload: %w", err)
		}
		return &Result{
			Content:    out.Label,
			Confidence: out.Confidence,
			Metadata:   map[string]any{"score": out.Score},
		}, nil

	case CapabilityEmotionDetection:
		var out struct {
			Emotion    string  `json:"emotion"`
			Intensity  float64 `json:"intensity"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("malformed emotion payload: %w", err)
		}
		return &Result{
			Content:    out.Emotion,
			Confidence: out.Confidence,
			Metadata:   map[string]any{"intensity": out.Intensity},
		}, nil

	case CapabilityEntityExtraction:
		var out struct {
			Entities   []map[string]any `json:"entities"`
			Confidence float64          `json:"confidence"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("malformed entity payload: %w", err)
		}
		return &Result{
			Confidence: out.Confidence,
			Metadata:   map[string]any{"entities": out.Entities},
		}, nil

	default:
		return nil, fmt.Errorf("capability %s has no analysis schema", capability)
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

func (p *OpenAIProvider) embed(ctx context.Context, model *ModelInfo, input string) ([]float32, TokenUsage, error) {
	var out embeddingResponse
	err := p.doJSON(ctx, "/embeddings", embeddingRequest{Model: model.APIModel(), Input: input}, &out)
	if err != nil {
		return nil, TokenUsage{}, err
	}
	if out.Error != nil {
		return nil, TokenUsage{}, NewProviderError(ErrorKindInvalidResponse, model.Name, out.Error.Message, nil)
	}
	if len(out.Data) == 0 {
		return nil, TokenUsage{}, NewProviderError(ErrorKindInvalidResponse, model.Name, "embedding response carried no data", nil)
	}
	usage := TokenUsage{PromptTokens: out.Usage.PromptTokens, TotalTokens: out.Usage.TotalTokens}
	return out.Data[0].Embedding, usage, nil
}

// Embedder adapts a named embedding model to the knowledge store's
// embedder contract.
func (p *OpenAIProvider) Embedder(model *ModelInfo) *OpenAIEmbedder {
	return &OpenAIEmbedder{provider: p, model: model}
}

// OpenAIEmbedder is the knowledge.Embedder view of one embedding model.
type OpenAIEmbedder struct {
	provider *OpenAIProvider
	model    *ModelInfo
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vector, _, err := e.provider.embed(ctx, e.model, text)
	return vector, err
}

func (p *OpenAIProvider) doJSON(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.classifyHTTP(resp, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewProviderError(ErrorKindInvalidResponse, "", "undecodable response body", err)
	}
	return nil
}

// classifyHTTP maps transport failures onto the error taxonomy.
func (p *OpenAIProvider) classifyHTTP(resp *http.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		var envelope struct {
			Error *apiError `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Error != nil {
			if envelope.Error.Type == "insufficient_quota" {
				return NewProviderError(ErrorKindQuotaExceeded, "", envelope.Error.Message, err)
			}
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewProviderError(ErrorKindAuth, "", "endpoint rejected credentials", err)
	case status == http.StatusTooManyRequests:
		return NewProviderError(ErrorKindRateLimit, "", "rate limited", err)
	case status == http.StatusNotFound:
		return NewProviderError(ErrorKindModelUnavailable, "", "model or endpoint not found", err)
	case status >= 500:
		return NewProviderError(ErrorKindModelUnavailable, "", fmt.Sprintf("endpoint error (HTTP %d)", status), err)
	case status >= 400:
		return NewProviderError(ErrorKindInvalidResponse, "", fmt.Sprintf("request rejected (HTTP %d)", status), err)
	default:
		// No response at all: timeout or network, let Classify decide.
		return err
	}
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
