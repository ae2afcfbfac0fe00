package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogtree/dialog/pkg/adaptation"
	"github.com/dialogtree/dialog/pkg/convctx"
	"github.com/dialogtree/dialog/pkg/fsm"
	"github.com/dialogtree/dialog/pkg/knowledge"
	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/providers"
)

// scriptedProvider answers each capability with a canned result or error.
type scriptedProvider struct {
	mu       sync.Mutex
	results  map[providers.Capability]*providers.Result
	errs     map[providers.Capability]error
	delay    time.Duration
	calls    map[providers.Capability]int
	metadata map[providers.Capability]map[string]any
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		results:  make(map[providers.Capability]*providers.Result),
		errs:     make(map[providers.Capability]error),
		calls:    make(map[providers.Capability]int),
		metadata: make(map[providers.Capability]map[string]any),
	}
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Invoke(ctx context.Context, _ *providers.ModelInfo, req *providers.Request) (*providers.Result, error) {
	s.mu.Lock()
	s.calls[req.Capability]++
	s.metadata[req.Capability] = req.Metadata
	result := s.results[req.Capability]
	err := s.errs[req.Capability]
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &providers.Result{Content: "ok", Confidence: 0.9}, nil
	}
	return result, nil
}

func (s *scriptedProvider) callCount(c providers.Capability) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[c]
}

func (s *scriptedProvider) lastMetadata(c providers.Capability) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[c]
}

// recordingSink captures pipeline events.
type recordingSink struct {
	mu       sync.Mutex
	turns    []TurnEvent
	failures []string
}

func (r *recordingSink) TurnCompleted(ev TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, ev)
}

func (r *recordingSink) ProviderFailure(_, model string, _ providers.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, model)
}

func (r *recordingSink) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func analysisCapabilities() []providers.Capability {
	return []providers.Capability{
		providers.CapabilityLanguageDetection,
		providers.CapabilityIntentClassification,
		providers.CapabilitySentimentAnalysis,
		providers.CapabilityEmotionDetection,
		providers.CapabilityEntityExtraction,
	}
}

func newTestRegistry(t *testing.T, scripted *scriptedProvider) *providers.Registry {
	t.Helper()
	reg := providers.NewRegistry()
	require.NoError(t, reg.RegisterProvider(scripted))
	require.NoError(t, reg.RegisterModel(&providers.ModelInfo{
		Name:         "analyzer",
		Provider:     "scripted",
		Type:         providers.ModelTypeClassification,
		Capabilities: analysisCapabilities(),
		Active:       true,
	}))
	require.NoError(t, reg.RegisterModel(&providers.ModelInfo{
		Name:         "generator-a",
		Provider:     "scripted",
		Type:         providers.ModelTypeChat,
		Capabilities: []providers.Capability{providers.CapabilityTextGeneration},
		Fallbacks:    []string{"generator-b"},
		Active:       true,
	}))
	require.NoError(t, reg.RegisterModel(&providers.ModelInfo{
		Name:         "generator-b",
		Provider:     "scripted",
		Type:         providers.ModelTypeChat,
		Capabilities: []providers.Capability{providers.CapabilityTextGeneration},
		Active:       true,
	}))
	return reg
}

func newTestPipeline(t *testing.T, scripted *scriptedProvider, sink EventSink, retriever knowledge.Retriever) *Pipeline {
	t.Helper()
	reg := newTestRegistry(t, scripted)
	orch := orchestrator.New(reg, orchestrator.Config{RetryBaseDelay: time.Millisecond}, nil)

	router := adaptation.NewRouter()
	require.NoError(t, adaptation.RegisterBuiltins(router, retriever))

	p := New(orch, retriever, router, adaptation.NewAdapter(nil), sink, Config{})
	p.counter = estimateCounter{}
	return p
}

func newConversation(id string) (*fsm.Machine, *convctx.Context) {
	return fsm.NewMachine(id, nil), convctx.New(id, convctx.HistoryConfig{})
}

func scriptHappyAnalyses(s *scriptedProvider) {
	s.results[providers.CapabilityLanguageDetection] = &providers.Result{Content: "en", Confidence: 0.95}
	s.results[providers.CapabilityIntentClassification] = &providers.Result{Content: "account_management", Confidence: 0.85}
	s.results[providers.CapabilitySentimentAnalysis] = &providers.Result{
		Content: "neutral", Confidence: 0.8, Metadata: map[string]any{"score": 0.1},
	}
	s.results[providers.CapabilityEmotionDetection] = &providers.Result{
		Content: "neutral", Confidence: 0.8, Metadata: map[string]any{"intensity": 0.1},
	}
	s.results[providers.CapabilityEntityExtraction] = &providers.Result{Confidence: 0.9}
	s.results[providers.CapabilityTextGeneration] = &providers.Result{
		Content: "Sure, I can help with your account.", Confidence: 0.9,
		Usage: providers.TokenUsage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
	}
}

func TestProcessTurnHappyPath(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	sink := &recordingSink{}
	p := newTestPipeline(t, scripted, sink, nil)
	machine, cc := newConversation("c1")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c1", TenantID: "t1", Channel: "web_chat",
		Utterance: "I need help with my account",
	})
	require.NoError(t, err)

	assert.Equal(t, "account_management", resp.Intent)
	assert.GreaterOrEqual(t, resp.IntentConfidence, 0.7)
	assert.NotEmpty(t, resp.Text)
	assert.False(t, resp.Escalated)
	assert.Equal(t, fsm.StateActive, machine.State())
	assert.Equal(t, fsm.StateActive, resp.State)

	// Single write-back.
	cc.Read(func(c *convctx.Context) {
		assert.Equal(t, 1, c.Session.UserMessages)
		assert.Equal(t, 1, c.Session.AIMessages)
		assert.Equal(t, "account_management", c.AI.LastIntent.Intent)
		assert.Equal(t, 1, c.AI.IntentHistory.Len())
	})

	require.Len(t, sink.turns, 1)
	assert.False(t, sink.turns[0].Degraded)
}

func TestAnalysisDispatchCarriesVocabularies(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	sink := &recordingSink{}
	p := newTestPipeline(t, scripted, sink, nil)
	machine, cc := newConversation("c1")

	_, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c1", TenantID: "t1", Channel: "web_chat",
		Utterance: "which invoice is this about?",
	})
	require.NoError(t, err)

	intents, _ := scripted.lastMetadata(providers.CapabilityIntentClassification)["intents"].([]string)
	assert.Contains(t, intents, "billing_inquiry")

	// The emotion vocabulary must match the adaptation strategy table.
	emotions, _ := scripted.lastMetadata(providers.CapabilityEmotionDetection)["emotions"].([]string)
	for _, label := range []string{"angry", "frustrated", "confused", "neutral", "satisfied", "happy", "excited"} {
		assert.Contains(t, emotions, label)
	}
}

func TestProcessTurnAngerAdaptationEscalates(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	scripted.results[providers.CapabilityIntentClassification] = &providers.Result{Content: "technical_support", Confidence: 0.85}
	scripted.results[providers.CapabilityEmotionDetection] = &providers.Result{
		Content: "angry", Confidence: 0.9, Metadata: map[string]any{"intensity": 0.9},
	}
	sink := &recordingSink{}
	p := newTestPipeline(t, scripted, sink, nil)
	machine, cc := newConversation("c2")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c2", TenantID: "t1", Channel: "web_chat",
		Utterance: "I'm really frustrated with this error!",
	})
	require.NoError(t, err)

	assert.Equal(t, "angry", resp.Emotion)
	require.NotNil(t, resp.Adaptation)
	assert.Contains(t, resp.Adaptation.AppliedRules, "empathy_opener")
	assert.True(t, resp.Escalated)
	assert.Equal(t, fsm.StateEscalated, machine.State())

	cc.Read(func(c *convctx.Context) {
		assert.True(t, c.Business.Escalated)
		assert.NotEmpty(t, c.Business.EscalationReason)
	})
}

func TestProcessTurnAllGeneratorsFail(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	scripted.errs[providers.CapabilityTextGeneration] = errors.New("model exploded")
	sink := &recordingSink{}
	p := newTestPipeline(t, scripted, sink, nil)
	machine, cc := newConversation("c3")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c3", TenantID: "t1", Channel: "web_chat",
		Utterance: "hello",
	})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.Equal(t, FallbackText, resp.Text)
	assert.Equal(t, fsm.StateWaitingForUser, machine.State())

	var apf *orchestrator.AllProvidersFailedError
	require.ErrorAs(t, resp.Failure, &apf)
	assert.Len(t, apf.Attempts, 2)
	assert.Equal(t, 2, sink.failureCount())

	// Failed turns leave the context untouched.
	cc.Read(func(c *convctx.Context) {
		assert.Equal(t, 0, c.Session.UserMessages)
	})
}

func TestProcessTurnRejectedWhileProcessing(t *testing.T) {
	scripted := newScriptedProvider()
	p := newTestPipeline(t, scripted, nil, nil)
	machine, cc := newConversation("c4")
	_, err := machine.Transition(fsm.StateProcessing, fsm.TransitionContext{Reason: "seed"})
	require.NoError(t, err)

	_, err = p.ProcessTurn(context.Background(), machine, cc, &Turn{ConversationID: "c4", Utterance: "hi"})
	assert.ErrorIs(t, err, ErrNotReceivable)
	assert.Equal(t, fsm.StateProcessing, machine.State())
}

func TestProcessTurnRejectedInTerminalState(t *testing.T) {
	scripted := newScriptedProvider()
	p := newTestPipeline(t, scripted, nil, nil)
	machine, cc := newConversation("c5")
	require.NoError(t, machine.Restore(fsm.StateArchived, fsm.StateResolved))

	_, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{ConversationID: "c5", Utterance: "hi"})
	assert.ErrorIs(t, err, ErrNotReceivable)
}

func TestProcessTurnSubStepFailureIsolated(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	scripted.errs[providers.CapabilitySentimentAnalysis] = errors.New("sentiment offline")
	p := newTestPipeline(t, scripted, nil, nil)
	machine, cc := newConversation("c6")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c6", TenantID: "t1", Channel: "web_chat",
		Utterance: "I need help with my account",
	})
	require.NoError(t, err)

	assert.Empty(t, resp.SentimentLabel)
	assert.Equal(t, "account_management", resp.Intent)
	assert.False(t, resp.Degraded)

	// Aggregate renormalises over the fields present.
	want := (0.5*0.85 + 0.2*0.8) / 0.7
	assert.InDelta(t, want, resp.AggregateConfidence, 1e-9)
}

func TestProcessTurnLowConfidenceLandsWaitingForUser(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	// Below the 0.7 gate: the orchestrator rejects these analyses outright.
	scripted.results[providers.CapabilityIntentClassification] = &providers.Result{Content: "account_management", Confidence: 0.4}
	scripted.results[providers.CapabilitySentimentAnalysis] = &providers.Result{Content: "neutral", Confidence: 0.4}
	scripted.results[providers.CapabilityEmotionDetection] = &providers.Result{Content: "neutral", Confidence: 0.4}
	p := newTestPipeline(t, scripted, nil, nil)
	machine, cc := newConversation("c7")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c7", TenantID: "t1", Channel: "web_chat",
		Utterance: "hmm",
	})
	require.NoError(t, err)

	assert.Empty(t, resp.Intent)
	assert.Equal(t, fsm.StateWaitingForUser, machine.State())
}

func TestProcessTurnBudgetExhaustion(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	scripted.delay = 200 * time.Millisecond
	sink := &recordingSink{}
	p := newTestPipeline(t, scripted, sink, nil)
	p.cfg.Budget = 20 * time.Millisecond
	machine, cc := newConversation("c8")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c8", TenantID: "t1", Channel: "web_chat",
		Utterance: "hello",
	})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.ErrorIs(t, resp.Failure, ErrPipelineTimeout)
	assert.Equal(t, FallbackText, resp.Text)
	assert.Equal(t, fsm.StateWaitingForUser, machine.State())
	cc.Read(func(c *convctx.Context) {
		assert.Equal(t, 0, c.Session.UserMessages)
	})
}

type pipelineRetriever struct {
	snippets []knowledge.Snippet
	queries  []string
}

func (r *pipelineRetriever) Retrieve(_ context.Context, _, query string, _ int) ([]knowledge.Snippet, error) {
	r.queries = append(r.queries, query)
	return r.snippets, nil
}

func TestProcessTurnRetrievalOnlyWithIntent(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	retriever := &pipelineRetriever{snippets: []knowledge.Snippet{{ID: "kb-1", Content: "Reset via settings.", Score: 0.9}}}
	p := newTestPipeline(t, scripted, nil, retriever)
	machine, cc := newConversation("c9")

	_, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c9", TenantID: "t1", Channel: "web_chat",
		Utterance: "I need help with my account",
	})
	require.NoError(t, err)
	require.Len(t, retriever.queries, 1)
	assert.Contains(t, retriever.queries[0], "account_management")

	// Without an intent, retrieval is skipped.
	scripted.errs[providers.CapabilityIntentClassification] = errors.New("down")
	machine2, cc2 := newConversation("c10")
	_, err = p.ProcessTurn(context.Background(), machine2, cc2, &Turn{
		ConversationID: "c10", TenantID: "t1", Channel: "web_chat",
		Utterance: "hello",
	})
	require.NoError(t, err)
	assert.Len(t, retriever.queries, 1)
}

func TestProcessTurnEntitiesDecoded(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	scripted.results[providers.CapabilityEntityExtraction] = &providers.Result{
		Confidence: 0.9,
		Metadata: map[string]any{
			"entities": []map[string]any{
				{"type": "invoice", "value": "INV-42", "confidence": 0.95},
			},
		},
	}
	p := newTestPipeline(t, scripted, nil, nil)
	machine, cc := newConversation("c11")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c11", TenantID: "t1", Channel: "web_chat",
		Utterance: "question about INV-42",
	})
	require.NoError(t, err)
	require.Len(t, resp.Entities, 1)
	assert.Equal(t, "invoice", resp.Entities[0].Type)
	assert.Equal(t, "INV-42", resp.Entities[0].Value)
}

func TestProcessTurnSequentialMode(t *testing.T) {
	scripted := newScriptedProvider()
	scriptHappyAnalyses(scripted)
	p := newTestPipeline(t, scripted, nil, nil)
	p.cfg.Sequential = true
	machine, cc := newConversation("c12")

	resp, err := p.ProcessTurn(context.Background(), machine, cc, &Turn{
		ConversationID: "c12", TenantID: "t1", Channel: "web_chat",
		Utterance: "I need help with my account",
	})
	require.NoError(t, err)
	assert.Equal(t, "account_management", resp.Intent)
	for _, c := range analysisCapabilities() {
		assert.Equal(t, 1, scripted.callCount(c), "capability %s", c)
	}
}

func TestPackPromptRespectsBudget(t *testing.T) {
	counter := estimateCounter{}
	parts := promptParts{
		utterance: "short question",
		intent:    "general_question",
		snippets: []knowledge.Snippet{
			{Content: "first snippet body", Score: 0.9},
			{Content: "second snippet body", Score: 0.8},
		},
		contextSummary: "tier=standard state=processing",
	}

	full := packPrompt(counter, parts, 4000)
	assert.Contains(t, full, "first snippet body")
	assert.Contains(t, full, "second snippet body")
	assert.Contains(t, full, "tier=standard")

	tight := packPrompt(counter, parts, counter.Count(full)/2)
	assert.Contains(t, tight, "short question")
	assert.Less(t, counter.Count(tight), counter.Count(full))
}
