package adaptation

import (
	"context"
	"fmt"

	"github.com/dialogtree/dialog/pkg/registry"
)

// Turn is the slice of a user turn that intent handlers see.
type Turn struct {
	ConversationID string
	TenantID       string
	Intent         string
	Confidence     float64
	Channel        string
	Utterance      string
	Params         map[string]any
}

// HandlerResult is what an intent handler produces.
type HandlerResult struct {
	// Text overrides the generator's response when non-empty.
	Text string
	// ContextPatch is merged into the session-layer variable bag.
	ContextPatch map[string]any
	Metadata     map[string]any

	RequiresEscalation bool
	EscalationReason   string
	FollowUpActions    []string

	// SuggestedRephrase is set on validation failures.
	SuggestedRephrase string
	ValidationFailed  bool
}

// Handler processes turns for one intent.
type Handler interface {
	Name() string
	CanHandle(intent string) bool
	Validate(t *Turn) error
	Process(ctx context.Context, t *Turn) (*HandlerResult, error)
}

// HandlerSpec carries the declarative part shared by the built-in handlers.
type HandlerSpec struct {
	Name                string
	ConfidenceThreshold float64
	// Channels limits the handler; empty means all channels.
	Channels       []string
	RequiredParams []string
	OptionalParams []string
	AlwaysEscalate bool
}

func (s *HandlerSpec) supportsChannel(channel string) bool {
	if len(s.Channels) == 0 {
		return true
	}
	for _, c := range s.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// validate applies the shared admission rules.
func (s *HandlerSpec) validate(t *Turn) error {
	if t.Confidence < s.ConfidenceThreshold {
		return fmt.Errorf("confidence %.2f below handler threshold %.2f", t.Confidence, s.ConfidenceThreshold)
	}
	if !s.supportsChannel(t.Channel) {
		return fmt.Errorf("channel %q not supported by handler %q", t.Channel, s.Name)
	}
	for _, p := range s.RequiredParams {
		if _, ok := t.Params[p]; !ok {
			return fmt.Errorf("missing required parameter %q", p)
		}
	}
	return nil
}

// Router maps intents to handlers and falls back to a clarification
// prompt when no handler matches.
type Router struct {
	handlers registry.Registry[Handler]
	fallback Handler
}

func NewRouter() *Router {
	return &Router{
		handlers: registry.NewBaseRegistry[Handler](),
		fallback: &clarificationHandler{},
	}
}

// Register adds a handler under its name.
func (r *Router) Register(h Handler) error {
	return r.handlers.Register(h.Name(), h)
}

// HandlerFor returns the handler that will serve an intent.
func (r *Router) HandlerFor(intent string) Handler {
	if h, ok := r.handlers.Get(intent); ok && h.CanHandle(intent) {
		return h
	}
	for _, h := range r.handlers.List() {
		if h.CanHandle(intent) {
			return h
		}
	}
	return r.fallback
}

// Route validates and executes the handler for a turn. Validation
// failures never error; they produce a rephrase suggestion with
// escalation off.
func (r *Router) Route(ctx context.Context, t *Turn) (*HandlerResult, error) {
	h := r.HandlerFor(t.Intent)

	if err := h.Validate(t); err != nil {
		return &HandlerResult{
			ValidationFailed:  true,
			SuggestedRephrase: "Could you give me a bit more detail so I can help? " + err.Error(),
		}, nil
	}

	return h.Process(ctx, t)
}

// clarificationHandler serves turns whose intent has no registered handler.
type clarificationHandler struct{}

func (*clarificationHandler) Name() string          { return "clarification" }
func (*clarificationHandler) CanHandle(string) bool { return true }
func (*clarificationHandler) Validate(*Turn) error  { return nil }

func (*clarificationHandler) Process(_ context.Context, t *Turn) (*HandlerResult, error) {
	return &HandlerResult{
		Text: "I want to make sure I help with the right thing. Could you tell me a bit more about what you need?",
		Metadata: map[string]any{
			"handler":         "clarification",
			"original_intent": t.Intent,
		},
	}, nil
}
