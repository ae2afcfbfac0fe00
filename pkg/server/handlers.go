package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dialogtree/dialog/pkg/conversation"
	"github.com/dialogtree/dialog/pkg/fsm"
	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/pipeline"
	"github.com/dialogtree/dialog/pkg/providers"
)

type messageRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type turnResponse struct {
	ConversationID   string               `json:"conversation_id"`
	Text             string               `json:"text"`
	Sender           string               `json:"sender"`
	Language         string               `json:"language,omitempty"`
	Intent           string               `json:"intent,omitempty"`
	IntentConfidence float64              `json:"intent_confidence,omitempty"`
	SentimentLabel   string               `json:"sentiment_label,omitempty"`
	SentimentScore   float64              `json:"sentiment_score,omitempty"`
	Emotion          string               `json:"emotion,omitempty"`
	EmotionIntensity float64              `json:"emotion_intensity,omitempty"`
	Entities         []pipeline.Entity    `json:"entities,omitempty"`
	Confidence       float64              `json:"confidence"`
	Model            string               `json:"model,omitempty"`
	Usage            providers.TokenUsage `json:"usage"`
	State            fsm.State            `json:"state"`
	Escalated        bool                 `json:"escalated"`
	Degraded         bool                 `json:"degraded"`
	FallbackUsed     bool                 `json:"fallback_used"`
	ElapsedMS        int64                `json:"elapsed_ms"`
}

func turnResponseFrom(resp *pipeline.Response) *turnResponse {
	return &turnResponse{
		ConversationID:   resp.ConversationID,
		Text:             resp.Text,
		Sender:           resp.Sender,
		Language:         resp.Language,
		Intent:           resp.Intent,
		IntentConfidence: resp.IntentConfidence,
		SentimentLabel:   resp.SentimentLabel,
		SentimentScore:   resp.SentimentScore,
		Emotion:          resp.Emotion,
		EmotionIntensity: resp.EmotionIntensity,
		Entities:         resp.Entities,
		Confidence:       resp.AggregateConfidence,
		Model:            resp.Model,
		Usage:            resp.Usage,
		State:            resp.State,
		Escalated:        resp.Escalated,
		Degraded:         resp.Degraded,
		FallbackUsed:     resp.FallbackUsed,
		ElapsedMS:        resp.Elapsed.Milliseconds(),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req conversation.CreateRequest
	if !decode(w, r, &req) {
		return
	}

	id, err := s.engine.Manager().Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": id})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeStatus(w, http.StatusBadRequest, "text is required")
		return
	}

	id := chi.URLParam(r, "conversation")
	resp, err := s.engine.Manager().PostUserMessage(r.Context(), id, req.Text, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponseFrom(resp))
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req conversation.EscalateRequest
	if !decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "conversation")
	if err := s.engine.Manager().Escalate(r.Context(), id, req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req conversation.CloseRequest
	if !decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "conversation")
	if err := s.engine.Manager().Close(r.Context(), id, req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Manager().Status(chi.URLParam(r, "conversation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Manager().Summary(chi.URLParam(r, "conversation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Manager().SystemMetrics())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage := s.engine.Orchestrator().Usage()
	writeJSON(w, http.StatusOK, map[string]any{
		"models":    usage.ModelStats(),
		"providers": usage.ProviderCost(),
		"breakers":  s.engine.Orchestrator().BreakerStates(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.engine.Health()
	code := http.StatusOK
	if health.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleSyncHealth(w http.ResponseWriter, r *http.Request) {
	syncer := s.engine.Syncer()
	if syncer == nil {
		writeStatus(w, http.StatusNotFound, "sync is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, syncer.Health())
}

func (s *Server) handleDrainDLQ(w http.ResponseWriter, r *http.Request) {
	syncer := s.engine.Syncer()
	if syncer == nil {
		writeStatus(w, http.StatusNotFound, "sync is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"letters": syncer.DLQ().Drain()})
}

func (s *Server) handleDrainConflicts(w http.ResponseWriter, r *http.Request) {
	syncer := s.engine.Syncer()
	if syncer == nil {
		writeStatus(w, http.StatusNotFound, "sync is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": syncer.Conflicts().Drain()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeStatus(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeError(w http.ResponseWriter, err error) {
	writeStatus(w, statusFor(err), err.Error())
}

// statusFor maps the engine's error taxonomy onto HTTP codes.
func statusFor(err error) int {
	var invalid *fsm.InvalidTransitionError
	var allFailed *orchestrator.AllProvidersFailedError
	switch {
	case errors.Is(err, conversation.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrInvalidTenant),
		errors.Is(err, conversation.ErrInvalidChannel),
		errors.Is(err, conversation.ErrInvalidScore):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotReceivable):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPipelineTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &allFailed), errors.Is(err, orchestrator.ErrNoCandidate):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
