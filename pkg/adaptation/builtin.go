package adaptation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/dialogtree/dialog/pkg/knowledge"
)

// RegisterBuiltins installs the core handler families. The retriever backs
// the general-question handler and may be nil, in which case that handler
// falls back to clarification text.
func RegisterBuiltins(r *Router, retriever knowledge.Retriever) error {
	handlers := []Handler{
		NewTechnicalSupportHandler(),
		NewAccountManagementHandler(),
		NewBillingInquiryHandler(),
		NewGeneralQuestionHandler(retriever, 3),
		NewEscalationRequestHandler(),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return fmt.Errorf("failed to register handler %q: %w", h.Name(), err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// technical_support

type technicalSupportParams struct {
	ErrorCode string `mapstructure:"error_code"`
	Component string `mapstructure:"component"`
}

type TechnicalSupportHandler struct {
	spec HandlerSpec
	// criticalComponents escalate regardless of error severity.
	criticalComponents map[string]bool
}

func NewTechnicalSupportHandler() *TechnicalSupportHandler {
	return &TechnicalSupportHandler{
		spec: HandlerSpec{
			Name:                "technical_support",
			ConfidenceThreshold: 0.6,
			OptionalParams:      []string{"error_code", "component"},
		},
		criticalComponents: map[string]bool{
			"authentication": true,
			"payments":       true,
			"database":       true,
			"security":       true,
		},
	}
}

func (h *TechnicalSupportHandler) Name() string { return h.spec.Name }

func (h *TechnicalSupportHandler) CanHandle(intent string) bool {
	return intent == "technical_support" || intent == "technical_issue"
}

func (h *TechnicalSupportHandler) Validate(t *Turn) error { return h.spec.validate(t) }

func (h *TechnicalSupportHandler) Process(_ context.Context, t *Turn) (*HandlerResult, error) {
	var params technicalSupportParams
	if err := mapstructure.Decode(t.Params, &params); err != nil {
		return nil, fmt.Errorf("failed to decode technical support parameters: %w", err)
	}

	severity := errorCodeSeverity(params.ErrorCode)
	critical := h.criticalComponents[strings.ToLower(params.Component)]

	res := &HandlerResult{
		ContextPatch: map[string]any{
			"last_error_code": params.ErrorCode,
			"last_component":  params.Component,
		},
		Metadata: map[string]any{
			"handler":  h.spec.Name,
			"severity": severity,
		},
		FollowUpActions: []string{"collect_diagnostics"},
	}

	if severity == "critical" || critical {
		res.RequiresEscalation = true
		res.EscalationReason = fmt.Sprintf("technical issue severity=%s component=%s", severity, params.Component)
		res.FollowUpActions = append(res.FollowUpActions, "page_oncall")
	}
	return res, nil
}

// errorCodeSeverity maps an error code to a severity band. Numeric codes
// of 500 and above, and codes carrying a FATAL/CRIT prefix, are critical.
func errorCodeSeverity(code string) string {
	if code == "" {
		return "unknown"
	}
	upper := strings.ToUpper(code)
	if strings.HasPrefix(upper, "FATAL") || strings.HasPrefix(upper, "CRIT") {
		return "critical"
	}
	digits := strings.TrimLeft(upper, "ABCDEFGHIJKLMNOPQRSTUVWXYZ-_")
	if n, err := strconv.Atoi(digits); err == nil {
		switch {
		case n >= 500:
			return "critical"
		case n >= 400:
			return "high"
		default:
			return "normal"
		}
	}
	return "normal"
}

// ---------------------------------------------------------------------------
// account_management

type accountParams struct {
	Action string `mapstructure:"action"`
}

type AccountManagementHandler struct {
	spec HandlerSpec
}

func NewAccountManagementHandler() *AccountManagementHandler {
	return &AccountManagementHandler{
		spec: HandlerSpec{
			Name:                "account_management",
			ConfidenceThreshold: 0.6,
			OptionalParams:      []string{"action"},
		},
	}
}

func (h *AccountManagementHandler) Name() string { return h.spec.Name }

func (h *AccountManagementHandler) CanHandle(intent string) bool {
	return intent == "account_management" || intent == "account"
}

func (h *AccountManagementHandler) Validate(t *Turn) error { return h.spec.validate(t) }

func (h *AccountManagementHandler) Process(_ context.Context, t *Turn) (*HandlerResult, error) {
	var params accountParams
	if err := mapstructure.Decode(t.Params, &params); err != nil {
		return nil, fmt.Errorf("failed to decode account parameters: %w", err)
	}

	route := params.Action
	if route == "" {
		route = classifyAccountAction(t.Utterance)
	}

	res := &HandlerResult{
		ContextPatch: map[string]any{"account_action": route},
		Metadata:     map[string]any{"handler": h.spec.Name, "route": route},
	}

	switch route {
	case "password_reset":
		res.Text = "I can help you reset your password. I've sent a secure reset link to the email on file; it expires in 30 minutes."
		res.FollowUpActions = []string{"send_reset_link"}
	case "billing":
		res.Text = "Let me pull up your billing details. Could you confirm the last four digits of the payment method on file?"
		res.FollowUpActions = []string{"verify_identity"}
	case "plan_change":
		res.Text = "Happy to help with your plan. I can show you the available plans and what changes would take effect immediately versus next cycle."
		res.FollowUpActions = []string{"show_plans"}
	case "profile_update":
		res.Text = "Sure, I can update your profile. Which detail would you like to change?"
	default:
		res.Text = "I can help with password resets, billing, plan changes, or profile updates. Which would you like?"
	}
	return res, nil
}

func classifyAccountAction(utterance string) string {
	lower := strings.ToLower(utterance)
	switch {
	case strings.Contains(lower, "password"):
		return "password_reset"
	case strings.Contains(lower, "bill") || strings.Contains(lower, "invoice") || strings.Contains(lower, "charge"):
		return "billing"
	case strings.Contains(lower, "plan") || strings.Contains(lower, "upgrade") || strings.Contains(lower, "downgrade"):
		return "plan_change"
	case strings.Contains(lower, "profile") || strings.Contains(lower, "email") || strings.Contains(lower, "address"):
		return "profile_update"
	default:
		return ""
	}
}

// ---------------------------------------------------------------------------
// billing_inquiry

type billingParams struct {
	Dispute   bool   `mapstructure:"dispute"`
	InvoiceID string `mapstructure:"invoice_id"`
}

type BillingInquiryHandler struct {
	spec HandlerSpec
}

func NewBillingInquiryHandler() *BillingInquiryHandler {
	return &BillingInquiryHandler{
		spec: HandlerSpec{
			Name:                "billing_inquiry",
			ConfidenceThreshold: 0.65,
			OptionalParams:      []string{"dispute", "invoice_id"},
		},
	}
}

func (h *BillingInquiryHandler) Name() string { return h.spec.Name }

func (h *BillingInquiryHandler) CanHandle(intent string) bool {
	return intent == "billing_inquiry" || intent == "billing"
}

func (h *BillingInquiryHandler) Validate(t *Turn) error { return h.spec.validate(t) }

func (h *BillingInquiryHandler) Process(_ context.Context, t *Turn) (*HandlerResult, error) {
	var params billingParams
	if err := mapstructure.Decode(t.Params, &params); err != nil {
		return nil, fmt.Errorf("failed to decode billing parameters: %w", err)
	}

	res := &HandlerResult{
		Metadata:        map[string]any{"handler": h.spec.Name},
		FollowUpActions: []string{"fetch_invoices"},
	}
	if params.InvoiceID != "" {
		res.ContextPatch = map[string]any{"invoice_id": params.InvoiceID}
	}

	// Disputed charges go straight to a human.
	if params.Dispute {
		res.RequiresEscalation = true
		res.EscalationReason = "billing dispute"
		res.Text = "I understand you'd like to dispute a charge. I'm connecting you with our billing team who can resolve this for you."
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// general_question

type GeneralQuestionHandler struct {
	spec      HandlerSpec
	retriever knowledge.Retriever
	topK      int
}

func NewGeneralQuestionHandler(retriever knowledge.Retriever, topK int) *GeneralQuestionHandler {
	if topK <= 0 {
		topK = 3
	}
	return &GeneralQuestionHandler{
		spec: HandlerSpec{
			Name:                "general_question",
			ConfidenceThreshold: 0.5,
		},
		retriever: retriever,
		topK:      topK,
	}
}

func (h *GeneralQuestionHandler) Name() string { return h.spec.Name }

func (h *GeneralQuestionHandler) CanHandle(intent string) bool {
	return intent == "general_question" || intent == "question"
}

func (h *GeneralQuestionHandler) Validate(t *Turn) error { return h.spec.validate(t) }

func (h *GeneralQuestionHandler) Process(ctx context.Context, t *Turn) (*HandlerResult, error) {
	res := &HandlerResult{
		Metadata: map[string]any{"handler": h.spec.Name},
	}
	if h.retriever == nil {
		return res, nil
	}

	snippets, err := h.retriever.Retrieve(ctx, t.TenantID, t.Utterance, h.topK)
	if err != nil {
		// Retrieval failures leave the generator's answer in place.
		res.Metadata["retrieval_error"] = err.Error()
		return res, nil
	}
	if len(snippets) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(snippets))
	for _, s := range snippets {
		ids = append(ids, s.ID)
	}
	res.Metadata["knowledge_snippets"] = ids
	res.ContextPatch = map[string]any{"last_knowledge_hit": ids[0]}
	return res, nil
}

// ---------------------------------------------------------------------------
// escalation_request

type EscalationRequestHandler struct {
	spec HandlerSpec
}

func NewEscalationRequestHandler() *EscalationRequestHandler {
	return &EscalationRequestHandler{
		spec: HandlerSpec{
			Name:                "escalation_request",
			ConfidenceThreshold: 0.5,
			AlwaysEscalate:      true,
		},
	}
}

func (h *EscalationRequestHandler) Name() string { return h.spec.Name }

func (h *EscalationRequestHandler) CanHandle(intent string) bool {
	return intent == "escalation_request" || intent == "speak_to_human"
}

func (h *EscalationRequestHandler) Validate(t *Turn) error { return h.spec.validate(t) }

func (h *EscalationRequestHandler) Process(_ context.Context, t *Turn) (*HandlerResult, error) {
	return &HandlerResult{
		Text:               "Of course. I'm connecting you with a member of our support team now.",
		RequiresEscalation: true,
		EscalationReason:   "user requested human agent",
		Metadata:           map[string]any{"handler": h.spec.Name},
	}, nil
}
