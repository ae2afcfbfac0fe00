package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialogtree/dialog/pkg/adaptation"
	"github.com/dialogtree/dialog/pkg/convctx"
	"github.com/dialogtree/dialog/pkg/fsm"
	"github.com/dialogtree/dialog/pkg/knowledge"
	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/providers"
)

// ErrNotReceivable rejects a turn posted while the conversation cannot
// accept messages, including while a previous turn is still processing.
var ErrNotReceivable = errors.New("conversation cannot receive messages in its current state")

// ErrPipelineTimeout reports per-turn budget exhaustion.
var ErrPipelineTimeout = errors.New("turn processing exceeded its budget")

// FallbackText is the polite reply when generation fails or the budget runs out.
const FallbackText = "I'm having trouble processing your request right now. Please give me a moment and try again."

// Config tunes the per-turn pipeline.
type Config struct {
	// Budget bounds one whole turn.
	Budget time.Duration `yaml:"budget"`
	// Sequential disables the default concurrent analysis fan-out.
	Sequential bool `yaml:"sequential"`
	// Intents is the classification vocabulary handed to providers.
	Intents []string `yaml:"intents,omitempty"`
	// Emotions is the closed emotion vocabulary handed to providers. It
	// must match the adaptation strategy table.
	Emotions []string `yaml:"emotions,omitempty"`
	// TopK bounds knowledge retrieval.
	TopK int `yaml:"top_k"`
	// MaxPromptTokens bounds the packed generation prompt.
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
}

func (c *Config) SetDefaults() {
	if c.Budget == 0 {
		c.Budget = 30 * time.Second
	}
	if c.TopK == 0 {
		c.TopK = 3
	}
	if c.MaxPromptTokens == 0 {
		c.MaxPromptTokens = 4000
	}
	if len(c.Intents) == 0 {
		c.Intents = []string{
			"technical_support", "account_management", "billing_inquiry",
			"general_question", "escalation_request",
		}
	}
	if len(c.Emotions) == 0 {
		c.Emotions = []string{
			"angry", "frustrated", "confused", "neutral",
			"satisfied", "happy", "excited",
		}
	}
}

// Turn identifies one incoming user message.
type Turn struct {
	ConversationID string
	TenantID       string
	Channel        string
	Utterance      string
	Metadata       map[string]any
}

// Response is the assembled result of one turn.
type Response struct {
	ConversationID string
	Text           string
	Sender         string

	Language         string
	Intent           string
	IntentConfidence float64
	SentimentLabel   string
	SentimentScore   float64
	Emotion          string
	EmotionIntensity float64
	Entities         []Entity

	AggregateConfidence float64
	Model               string
	Usage               providers.TokenUsage
	Elapsed             time.Duration
	FallbackUsed        bool

	Adaptation *adaptation.Result
	Handler    *adaptation.HandlerResult

	Escalated bool
	State     fsm.State

	// Degraded marks fallback responses; Failure carries the cause.
	Degraded bool
	Failure  error
}

// Pipeline assembles one response per user turn.
type Pipeline struct {
	orch      *orchestrator.Orchestrator
	retriever knowledge.Retriever
	router    *adaptation.Router
	adapter   *adaptation.Adapter
	sink      EventSink
	counter   tokenCounter
	cfg       Config
	now       func() time.Time
}

// New builds a pipeline. The retriever and sink may be nil.
func New(orch *orchestrator.Orchestrator, retriever knowledge.Retriever, router *adaptation.Router, adapter *adaptation.Adapter, sink EventSink, cfg Config) *Pipeline {
	cfg.SetDefaults()
	return &Pipeline{
		orch:      orch,
		retriever: retriever,
		router:    router,
		adapter:   adapter,
		sink:      sink,
		counter:   newTokenCounter(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// ProcessTurn runs the gate, analysis fan-out, retrieval, generation,
// aggregation, adaptation and the single write-back for one user turn.
func (p *Pipeline) ProcessTurn(ctx context.Context, machine *fsm.Machine, cc *convctx.Context, turn *Turn) (*Response, error) {
	started := p.now()

	// Gate: one turn at a time, and only in receivable states.
	state := machine.State()
	if state == fsm.StateProcessing {
		return nil, fmt.Errorf("%w: a turn is already processing", ErrNotReceivable)
	}
	if !state.CanReceiveMessages() {
		return nil, fmt.Errorf("%w: state %s", ErrNotReceivable, state)
	}
	if _, err := machine.Transition(fsm.StateProcessing, fsm.TransitionContext{Reason: "user turn"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReceivable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	a := &analysis{}
	p.fanOut(ctx, a, turn.Utterance)
	p.reportFailures(a, turn.ConversationID)

	if ctx.Err() != nil {
		return p.degrade(ctx, machine, cc, turn, a, started, ErrPipelineTimeout), nil
	}

	// Knowledge retrieval only once an intent is known.
	var snippets []knowledge.Snippet
	if a.intent != "" && p.retriever != nil {
		query := retrievalQuery(a, turn.Utterance)
		found, err := p.retriever.Retrieve(ctx, turn.TenantID, query, p.cfg.TopK)
		if err != nil {
			slog.Debug("Knowledge retrieval failed", "conversation", turn.ConversationID, "error", err)
		} else {
			snippets = found
		}
	}

	prompt := packPrompt(p.counter, promptParts{
		utterance:      turn.Utterance,
		language:       a.language,
		intent:         a.intent,
		sentimentLabel: a.sentimentLabel,
		emotion:        a.emotion,
		snippets:       snippets,
		contextSummary: contextSummary(cc),
	}, p.cfg.MaxPromptTokens)

	gen, genErr := p.orch.Process(ctx, &orchestrator.Request{
		Capability: providers.CapabilityTextGeneration,
		Input:      prompt,
	})
	if genErr != nil {
		a.recordFailure(genErr)
		p.reportFailures(a, turn.ConversationID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			genErr = ErrPipelineTimeout
		}
		return p.degrade(ctx, machine, cc, turn, a, started, genErr), nil
	}

	resp := &Response{
		ConversationID:      turn.ConversationID,
		Text:                gen.Content,
		Sender:              "ai",
		Language:            a.language,
		Intent:              a.intent,
		IntentConfidence:    a.intentConfidence,
		SentimentLabel:      a.sentimentLabel,
		SentimentScore:      a.sentimentScore,
		Emotion:             a.emotion,
		EmotionIntensity:    a.emotionIntensity,
		Entities:            a.entities,
		AggregateConfidence: a.aggregateConfidence(),
		Model:               gen.Model,
		Usage:               gen.Usage,
		FallbackUsed:        gen.FallbackUsed,
	}

	// Intent handler, then emotion adaptation over whichever text stands.
	if p.router != nil {
		handled, err := p.router.Route(ctx, &adaptation.Turn{
			ConversationID: turn.ConversationID,
			TenantID:       turn.TenantID,
			Intent:         a.intent,
			Confidence:     a.intentConfidence,
			Channel:        turn.Channel,
			Utterance:      turn.Utterance,
			Params:         a.intentParams,
		})
		if err != nil {
			slog.Debug("Intent handler failed", "conversation", turn.ConversationID, "intent", a.intent, "error", err)
		} else {
			resp.Handler = handled
			if handled.Text != "" {
				resp.Text = handled.Text
			}
			if handled.ValidationFailed && handled.SuggestedRephrase != "" {
				resp.Text = handled.SuggestedRephrase
			}
		}
	}

	if p.adapter != nil && a.emotion != "" {
		adapted := p.adapter.Adapt(adaptation.Input{
			Text:           resp.Text,
			Emotion:        a.emotion,
			Intensity:      a.emotionIntensity,
			Confidence:     a.emotionConfidence,
			SentimentTrend: cc.SentimentTrend(),
		})
		resp.Adaptation = adapted
		if adapted.Modified {
			resp.Text = adapted.Text
		}
	}

	escalate, reason := escalationDecision(resp)
	resp.Escalated = escalate
	resp.Elapsed = p.now().Sub(started)

	// Write-back is the last step and is skipped on cancellation.
	if ctx.Err() != nil {
		return p.degrade(ctx, machine, cc, turn, a, started, ErrPipelineTimeout), nil
	}
	p.writeBack(machine, cc, turn, a, resp, reason)
	p.emitTurn(turn, a, resp)

	return resp, nil
}

// degrade produces the polite fallback response and lands the FSM in
// waiting_for_user, leaving the context untouched.
func (p *Pipeline) degrade(ctx context.Context, machine *fsm.Machine, cc *convctx.Context, turn *Turn, a *analysis, started time.Time, cause error) *Response {
	if _, err := machine.Transition(fsm.StateWaitingForUser, fsm.TransitionContext{Reason: "turn failed"}); err != nil {
		slog.Warn("Failed to land degraded turn", "conversation", turn.ConversationID, "error", err)
	}

	resp := &Response{
		ConversationID: turn.ConversationID,
		Text:           FallbackText,
		Sender:         "ai",
		Language:       a.language,
		Intent:         a.intent,
		Emotion:        a.emotion,
		Elapsed:        p.now().Sub(started),
		State:          machine.State(),
		Degraded:       true,
		FallbackUsed:   true,
		Failure:        cause,
	}
	p.emitTurn(turn, a, resp)
	return resp
}

func (p *Pipeline) writeBack(machine *fsm.Machine, cc *convctx.Context, turn *Turn, a *analysis, resp *Response, escalationReason string) {
	at := p.now()
	rec := convctx.TurnRecord{
		Model:             resp.Model,
		Usage:             resp.Usage,
		FallbackTriggered: resp.FallbackUsed,
		At:                at,
	}
	if a.intent != "" {
		rec.Intent = &convctx.IntentRecord{Intent: a.intent, Confidence: a.intentConfidence, At: at}
	}
	if a.sentimentKnown {
		rec.Sentiment = &convctx.SentimentRecord{Score: a.sentimentScore, Label: a.sentimentLabel, At: at}
	}
	if a.emotion != "" {
		rec.Emotion = &convctx.EmotionRecord{Emotion: a.emotion, Intensity: a.emotionIntensity, At: at}
	}
	cc.ApplyTurn(rec)

	if resp.Handler != nil && len(resp.Handler.ContextPatch) > 0 {
		cc.Update(func(c *convctx.Context) {
			for k, v := range resp.Handler.ContextPatch {
				c.Session.Variables[k] = v
			}
		})
	}

	if resp.Escalated {
		cc.Update(func(c *convctx.Context) {
			c.Business.Escalated = true
			c.Business.EscalationReason = escalationReason
			c.Business.EscalationLevel++
		})
		event, err := machine.Transition(fsm.StateEscalated, fsm.TransitionContext{
			Reason: escalationReason,
			Actor:  "pipeline",
		})
		if err != nil {
			slog.Warn("Escalation transition rejected", "conversation", turn.ConversationID, "error", err)
		} else {
			cc.RecordStateChange(string(event.From), string(event.To), event.Timestamp)
		}
		resp.State = machine.State()
		return
	}

	// High-confidence turns keep the conversation active; uncertain ones
	// hand the floor back to the user.
	target := fsm.StateActive
	if resp.AggregateConfidence < thresholdFor(cc) || (resp.Handler != nil && resp.Handler.ValidationFailed) {
		target = fsm.StateWaitingForUser
	}
	event, err := machine.Transition(target, fsm.TransitionContext{Reason: "turn completed"})
	if err != nil {
		slog.Warn("Post-turn transition rejected", "conversation", turn.ConversationID, "target", target, "error", err)
	} else {
		cc.RecordStateChange(string(event.From), string(event.To), event.Timestamp)
	}
	resp.State = machine.State()
}

func (p *Pipeline) emitTurn(turn *Turn, a *analysis, resp *Response) {
	if p.sink == nil {
		return
	}
	p.sink.TurnCompleted(TurnEvent{
		ConversationID:   turn.ConversationID,
		TenantID:         turn.TenantID,
		Channel:          turn.Channel,
		Intent:           resp.Intent,
		IntentConfidence: resp.IntentConfidence,
		SentimentLabel:   resp.SentimentLabel,
		SentimentScore:   resp.SentimentScore,
		Emotion:          resp.Emotion,
		EmotionIntensity: resp.EmotionIntensity,
		Confidence:       resp.AggregateConfidence,
		Model:            resp.Model,
		Usage:            resp.Usage,
		Elapsed:          resp.Elapsed,
		Escalated:        resp.Escalated,
		Degraded:         resp.Degraded,
		FallbackUsed:     resp.FallbackUsed,
		At:               p.now(),
	})
}

func (p *Pipeline) reportFailures(a *analysis, conversationID string) {
	if p.sink == nil {
		return
	}
	a.mu.Lock()
	failures := a.failures
	a.failures = nil
	a.mu.Unlock()
	for _, f := range failures {
		p.sink.ProviderFailure(conversationID, f.model, f.kind)
	}
}

// escalationDecision merges the adaptation and handler verdicts.
func escalationDecision(resp *Response) (bool, string) {
	if resp.Handler != nil && resp.Handler.RequiresEscalation {
		return true, resp.Handler.EscalationReason
	}
	if resp.Adaptation != nil && resp.Adaptation.RequiresEscalation {
		return true, resp.Adaptation.EscalationReason
	}
	return false, ""
}

func thresholdFor(cc *convctx.Context) float64 {
	threshold := 0.7
	cc.Read(func(c *convctx.Context) {
		if c.AI.ConfidenceThreshold > 0 {
			threshold = c.AI.ConfidenceThreshold
		}
	})
	return threshold
}

// retrievalQuery folds the intent and its parameters into the query text.
func retrievalQuery(a *analysis, utterance string) string {
	query := a.intent + ": " + utterance
	for k, v := range a.intentParams {
		query += fmt.Sprintf(" %s=%v", k, v)
	}
	return query
}
