package adaptation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogtree/dialog/pkg/knowledge"
)

type stubRetriever struct {
	snippets []knowledge.Snippet
	err      error
	queries  []string
}

func (s *stubRetriever) Retrieve(_ context.Context, _, query string, _ int) ([]knowledge.Snippet, error) {
	s.queries = append(s.queries, query)
	return s.snippets, s.err
}

func newTestRouter(t *testing.T, retriever knowledge.Retriever) *Router {
	t.Helper()
	r := NewRouter()
	require.NoError(t, RegisterBuiltins(r, retriever))
	return r
}

func TestRouterFallsBackToClarification(t *testing.T) {
	r := newTestRouter(t, nil)

	res, err := r.Route(context.Background(), &Turn{Intent: "weather", Confidence: 0.9, Channel: "web_chat"})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "tell me a bit more")
	assert.Equal(t, "clarification", res.Metadata["handler"])
}

func TestRouterLowConfidenceYieldsRephrase(t *testing.T) {
	r := newTestRouter(t, nil)

	res, err := r.Route(context.Background(), &Turn{
		Intent:     "billing_inquiry",
		Confidence: 0.3,
		Channel:    "web_chat",
	})
	require.NoError(t, err)
	assert.True(t, res.ValidationFailed)
	assert.NotEmpty(t, res.SuggestedRephrase)
	assert.False(t, res.RequiresEscalation)
}

func TestTechnicalSupportEscalatesOnCriticalErrorCode(t *testing.T) {
	r := newTestRouter(t, nil)

	res, err := r.Route(context.Background(), &Turn{
		Intent:     "technical_support",
		Confidence: 0.9,
		Channel:    "web_chat",
		Params:     map[string]any{"error_code": "E503", "component": "search"},
	})
	require.NoError(t, err)
	assert.True(t, res.RequiresEscalation)
	assert.Equal(t, "critical", res.Metadata["severity"])
}

func TestTechnicalSupportEscalatesOnCriticalComponent(t *testing.T) {
	r := newTestRouter(t, nil)

	res, err := r.Route(context.Background(), &Turn{
		Intent:     "technical_support",
		Confidence: 0.9,
		Channel:    "web_chat",
		Params:     map[string]any{"error_code": "E200", "component": "payments"},
	})
	require.NoError(t, err)
	assert.True(t, res.RequiresEscalation)
}

func TestTechnicalSupportBenignIssueStaysLocal(t *testing.T) {
	r := newTestRouter(t, nil)

	res, err := r.Route(context.Background(), &Turn{
		Intent:     "technical_support",
		Confidence: 0.9,
		Channel:    "web_chat",
		Params:     map[string]any{"error_code": "E104", "component": "themes"},
	})
	require.NoError(t, err)
	assert.False(t, res.RequiresEscalation)
}

func TestErrorCodeSeverity(t *testing.T) {
	cases := map[string]string{
		"":          "unknown",
		"FATAL-7":   "critical",
		"CRIT22":    "critical",
		"E503":      "critical",
		"E404":      "high",
		"E104":      "normal",
		"WIDGET":    "normal",
	}
	for code, want := range cases {
		assert.Equal(t, want, errorCodeSeverity(code), "code %q", code)
	}
}

func TestAccountManagementSubRoutes(t *testing.T) {
	r := newTestRouter(t, nil)

	cases := map[string]string{
		"I forgot my password":      "password_reset",
		"there is a charge I don't recognize": "billing",
		"I want to upgrade my plan": "plan_change",
		"change my email address":   "profile_update",
	}
	for utterance, route := range cases {
		res, err := r.Route(context.Background(), &Turn{
			Intent:     "account_management",
			Confidence: 0.9,
			Channel:    "web_chat",
			Utterance:  utterance,
		})
		require.NoError(t, err)
		assert.Equal(t, route, res.Metadata["route"], "utterance %q", utterance)
		assert.NotEmpty(t, res.Text)
	}
}

func TestBillingDisputeEscalates(t *testing.T) {
	r := newTestRouter(t, nil)

	res, err := r.Route(context.Background(), &Turn{
		Intent:     "billing_inquiry",
		Confidence: 0.9,
		Channel:    "web_chat",
		Params:     map[string]any{"dispute": true},
	})
	require.NoError(t, err)
	assert.True(t, res.RequiresEscalation)
	assert.Equal(t, "billing dispute", res.EscalationReason)
}

func TestGeneralQuestionDelegatesToRetrieval(t *testing.T) {
	retriever := &stubRetriever{snippets: []knowledge.Snippet{
		{ID: "kb-9", Content: "Refunds take 5-7 business days.", Score: 0.92},
	}}
	r := newTestRouter(t, retriever)

	res, err := r.Route(context.Background(), &Turn{
		Intent:     "general_question",
		TenantID:   "acme",
		Confidence: 0.8,
		Channel:    "web_chat",
		Utterance:  "how long do refunds take?",
	})
	require.NoError(t, err)
	require.Len(t, retriever.queries, 1)
	assert.Equal(t, []string{"kb-9"}, res.Metadata["knowledge_snippets"])
	assert.Equal(t, "kb-9", res.ContextPatch["last_knowledge_hit"])
}

func TestEscalationRequestAlwaysEscalates(t *testing.T) {
	r := newTestRouter(t, nil)

	res, err := r.Route(context.Background(), &Turn{
		Intent:     "escalation_request",
		Confidence: 0.6,
		Channel:    "sms",
	})
	require.NoError(t, err)
	assert.True(t, res.RequiresEscalation)
	assert.NotEmpty(t, res.Text)
}

func TestHandlerIdempotence(t *testing.T) {
	r := newTestRouter(t, nil)
	turn := &Turn{
		Intent:     "technical_support",
		Confidence: 0.9,
		Channel:    "web_chat",
		Params:     map[string]any{"error_code": "E503", "component": "search"},
	}

	first, err := r.Route(context.Background(), turn)
	require.NoError(t, err)
	second, err := r.Route(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
