package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatHandler(t *testing.T, content string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		writeChat(w, content, "stop")
	}
}

func writeChat(w http.ResponseWriter, content, finishReason string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finishReason,
		}},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20},
	})
}

func newOpenAI(t *testing.T, url string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(ClientConfig{
		Name:    "openai",
		APIKey:  "test-key",
		BaseURL: url,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return p
}

func chatModel(caps ...Capability) *ModelInfo {
	m := &ModelInfo{Name: "gpt-test", Provider: "openai", Capabilities: caps, Active: true}
	m.SetDefaults()
	return m
}

func TestInvokeIntentClassification(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeChat(w, `{"intent": "billing_inquiry", "confidence": 0.91, "params": {"invoice": "INV-7"}}`, "stop")
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	res, err := p.Invoke(context.Background(), chatModel(CapabilityIntentClassification), &Request{
		Capability: CapabilityIntentClassification,
		Input:      "I have a question about invoice INV-7",
		Metadata:   map[string]any{"intents": []string{"billing_inquiry", "general_question"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "billing_inquiry", res.Content)
	assert.InDelta(t, 0.91, res.Confidence, 1e-9)
	params, _ := res.Metadata["params"].(map[string]any)
	assert.Equal(t, "INV-7", params["invoice"])
	assert.Equal(t, 20, res.Usage.TotalTokens)

	// Classification runs in strict JSON mode at temperature zero.
	assert.Equal(t, map[string]any{"type": "json_object"}, gotReq.ResponseFormat)
	assert.Zero(t, gotReq.Temperature)
	assert.Contains(t, gotReq.Messages[0].Content, "billing_inquiry, general_question")
}

func TestInvokeSentimentAndEmotion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "sentiment") {
			writeChat(w, `{"label": "negative", "score": -0.6, "confidence": 0.84}`, "stop")
			return
		}
		writeChat(w, `{"emotion": "angry", "intensity": 0.7, "confidence": 0.8}`, "stop")
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)

	res, err := p.Invoke(context.Background(), chatModel(CapabilitySentimentAnalysis), &Request{
		Capability: CapabilitySentimentAnalysis, Input: "this is terrible",
	})
	require.NoError(t, err)
	assert.Equal(t, "negative", res.Content)
	assert.InDelta(t, -0.6, res.Metadata["score"], 1e-9)

	res, err = p.Invoke(context.Background(), chatModel(CapabilityEmotionDetection), &Request{
		Capability: CapabilityEmotionDetection, Input: "this is terrible",
	})
	require.NoError(t, err)
	assert.Equal(t, "angry", res.Content)
	assert.InDelta(t, 0.7, res.Metadata["intensity"], 1e-9)
}

func TestInvokeEmotionPromptCarriesVocabulary(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeChat(w, `{"emotion": "confused", "intensity": 0.4, "confidence": 0.82}`, "stop")
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	res, err := p.Invoke(context.Background(), chatModel(CapabilityEmotionDetection), &Request{
		Capability: CapabilityEmotionDetection,
		Input:      "wait, which invoice is this?",
		Metadata:   map[string]any{"emotions": []string{"angry", "confused", "neutral"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "confused", res.Content)
	assert.Contains(t, gotReq.Messages[0].Content, "Allowed emotions: angry, confused, neutral.")
}

func TestInvokeEmotionDefaultVocabulary(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeChat(w, `{"emotion": "satisfied", "intensity": 0.3, "confidence": 0.9}`, "stop")
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	_, err := p.Invoke(context.Background(), chatModel(CapabilityEmotionDetection), &Request{
		Capability: CapabilityEmotionDetection, Input: "thanks, that worked",
	})
	require.NoError(t, err)
	for _, label := range []string{"confused", "satisfied", "excited"} {
		assert.Contains(t, gotReq.Messages[0].Content, label)
	}
}

func TestInvokeGenerationPassesTextThrough(t *testing.T) {
	srv := httptest.NewServer(chatHandler(t, "Happy to help with that."))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	res, err := p.Invoke(context.Background(), chatModel(CapabilityTextGeneration), &Request{
		Capability: CapabilityTextGeneration,
		Input:      "please help",
		Metadata:   map[string]any{"system": "You are a support agent."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Happy to help with that.", res.Content)
	assert.InDelta(t, 0.95, res.Confidence, 1e-9)
}

func TestInvokeTruncatedGenerationLowersConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChat(w, "Happy to help wi", "length")
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	res, err := p.Invoke(context.Background(), chatModel(CapabilityTextGeneration), &Request{
		Capability: CapabilityTextGeneration, Input: "please help",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
}

func TestInvokeMalformedAnalysisIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChat(w, "not json at all", "stop")
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	_, err := p.Invoke(context.Background(), chatModel(CapabilityIntentClassification), &Request{
		Capability: CapabilityIntentClassification, Input: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, ErrorKindInvalidResponse, Classify(err))
}

func TestInvokeAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	_, err := p.Invoke(context.Background(), chatModel(CapabilityTextGeneration), &Request{
		Capability: CapabilityTextGeneration, Input: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, ErrorKindAuth, Classify(err))
}

func TestInvokeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeChat(w, "recovered", "stop")
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	res, err := p.Invoke(context.Background(), chatModel(CapabilityTextGeneration), &Request{
		Capability: CapabilityTextGeneration, Input: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
			"usage": map[string]int{"prompt_tokens": 4, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL)
	model := chatModel(CapabilityEmbedding)

	vector, err := p.Embedder(model).Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestClientConfigValidation(t *testing.T) {
	_, err := NewOpenAIProvider(ClientConfig{})
	assert.Error(t, err)

	_, err = NewOpenAIProvider(ClientConfig{Name: "x", Type: "smoke-signals"})
	assert.Error(t, err)
}
