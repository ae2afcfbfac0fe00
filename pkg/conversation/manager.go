package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialogtree/dialog/pkg/analytics"
	"github.com/dialogtree/dialog/pkg/convctx"
	"github.com/dialogtree/dialog/pkg/fsm"
	"github.com/dialogtree/dialog/pkg/pipeline"
	"github.com/dialogtree/dialog/pkg/storage"
)

// session pairs one machine with its context. turnMu serialises user
// turns: concurrent posts queue rather than fail.
type session struct {
	id        string
	tenantID  string
	userID    string
	channel   string
	createdAt time.Time

	machine *fsm.Machine
	context *convctx.Context

	turnMu sync.Mutex
}

// Options configures the manager.
type Options struct {
	// Tenants is the allowlist; empty accepts any non-empty tenant id.
	Tenants []string
	// Timeouts overrides the per-state idle rules.
	Timeouts map[fsm.State]fsm.TimeoutRule
	// ArchiveAfter is how long resolved or abandoned conversations linger
	// before archival.
	ArchiveAfter time.Duration
	Store        storage.Store
	Collector    *analytics.Collector
}

// Manager owns the live conversations.
type Manager struct {
	pipe      *pipeline.Pipeline
	contexts  *convctx.Store
	store     storage.Store
	collector *analytics.Collector
	tenants   map[string]bool
	timeouts  map[fsm.State]fsm.TimeoutRule

	archiveAfter time.Duration

	mu       sync.RWMutex
	sessions map[string]*session

	now func() time.Time
}

// NewManager builds a manager over the pipeline and context store.
func NewManager(pipe *pipeline.Pipeline, contexts *convctx.Store, opts Options) *Manager {
	tenants := make(map[string]bool, len(opts.Tenants))
	for _, t := range opts.Tenants {
		tenants[t] = true
	}
	if opts.ArchiveAfter == 0 {
		opts.ArchiveAfter = time.Hour
	}
	return &Manager{
		pipe:         pipe,
		contexts:     contexts,
		store:        opts.Store,
		collector:    opts.Collector,
		tenants:      tenants,
		timeouts:     opts.Timeouts,
		archiveAfter: opts.ArchiveAfter,
		sessions:     make(map[string]*session),
		now:          time.Now,
	}
}

// Create opens a conversation and returns its id.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if req.TenantID == "" {
		return "", fmt.Errorf("%w: tenant id is required", ErrInvalidTenant)
	}
	if len(m.tenants) > 0 && !m.tenants[req.TenantID] {
		return "", fmt.Errorf("%w: %s", ErrInvalidTenant, req.TenantID)
	}
	if !Channels[req.Channel] {
		return "", fmt.Errorf("%w: %s", ErrInvalidChannel, req.Channel)
	}

	id := uuid.NewString()
	now := m.now()

	var listeners []fsm.Listener
	if m.collector != nil {
		listeners = append(listeners, m.collector.FSMListener())
	}

	cc := m.contexts.Create(id)
	cc.Update(func(c *convctx.Context) {
		c.User.TenantID = req.TenantID
		c.User.UserID = req.UserID
		c.Session.State = string(fsm.StateInitialized)
		if deadline, ok := req.Metadata["sla_deadline"].(time.Time); ok {
			c.Business.SLADeadline = &deadline
		}
	})

	sess := &session{
		id:        id,
		tenantID:  req.TenantID,
		userID:    req.UserID,
		channel:   req.Channel,
		createdAt: now,
		machine:   fsm.NewMachine(id, m.timeouts, listeners...),
		context:   cc,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.ConversationStarted(id, req.TenantID, req.Channel, now)
	}
	m.persist(ctx, sess)

	slog.Info("Conversation created", "conversation", id, "tenant", req.TenantID, "channel", req.Channel)
	return id, nil
}

// PostUserMessage runs one user turn through the pipeline. Turns on the
// same conversation are processed sequentially.
func (m *Manager) PostUserMessage(ctx context.Context, conversationID, utterance string, metadata map[string]any) (*pipeline.Response, error) {
	sess, err := m.session(conversationID)
	if err != nil {
		return nil, err
	}

	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()

	turn := &pipeline.Turn{
		ConversationID: conversationID,
		TenantID:       sess.tenantID,
		Channel:        sess.channel,
		Utterance:      utterance,
		Metadata:       metadata,
	}
	resp, err := m.pipe.ProcessTurn(ctx, sess.machine, sess.context, turn)
	if err != nil {
		return nil, err
	}

	if m.store != nil {
		at := m.now()
		if err := m.store.AppendMessage(ctx, &storage.MessageRecord{
			ConversationID: conversationID, Sender: "user", Text: utterance, CreatedAt: at,
		}); err != nil {
			slog.Warn("Failed to persist user message", "conversation", conversationID, "error", err)
		}
		if err := m.store.AppendMessage(ctx, &storage.MessageRecord{
			ConversationID: conversationID, Sender: resp.Sender, Text: resp.Text, CreatedAt: at,
		}); err != nil {
			slog.Warn("Failed to persist response", "conversation", conversationID, "error", err)
		}
	}
	m.persist(ctx, sess)

	return resp, nil
}

// Escalate hands the conversation to a human agent or queue.
func (m *Manager) Escalate(ctx context.Context, conversationID string, req EscalateRequest) error {
	sess, err := m.session(conversationID)
	if err != nil {
		return err
	}

	actor := req.Actor
	if actor == "" {
		actor = "agent"
	}
	event, err := sess.machine.Transition(fsm.StateEscalated, fsm.TransitionContext{
		Reason:   req.Reason,
		Actor:    actor,
		Target:   req.Target,
		Metadata: req.Metadata,
	})
	if err != nil {
		return err
	}

	sess.context.Update(func(c *convctx.Context) {
		c.Business.Escalated = true
		c.Business.EscalationReason = req.Reason
		c.Business.EscalationLevel++
		if req.Target != "" {
			c.Business.Queue = req.Target
		}
	})
	sess.context.RecordStateChange(string(event.From), string(event.To), event.Timestamp)
	m.persist(ctx, sess)
	return nil
}

// Close resolves the conversation and archives it. Satisfaction must be
// in [1,5] and NPS in [0,10] when provided.
func (m *Manager) Close(ctx context.Context, conversationID string, req CloseRequest) error {
	if req.Satisfaction != nil && (*req.Satisfaction < 1 || *req.Satisfaction > 5) {
		return fmt.Errorf("%w: satisfaction must be in [1,5], got %d", ErrInvalidScore, *req.Satisfaction)
	}
	if req.NPS != nil && (*req.NPS < 0 || *req.NPS > 10) {
		return fmt.Errorf("%w: nps must be in [0,10], got %d", ErrInvalidScore, *req.NPS)
	}

	sess, err := m.session(conversationID)
	if err != nil {
		return err
	}

	event, err := sess.machine.Transition(fsm.StateResolved, fsm.TransitionContext{
		Reason:         req.Summary,
		Actor:          "agent",
		ResolutionType: req.ResolutionType,
		Metadata:       map[string]any{"resolution_type": req.ResolutionType},
	})
	if err != nil {
		return err
	}
	sess.context.RecordStateChange(string(event.From), string(event.To), event.Timestamp)

	// Only a close the machine accepted may mark the record resolved.
	if m.collector != nil {
		m.collector.RecordClosure(conversationID, req.ResolutionType, req.Satisfaction, req.NPS)
	}

	m.archive(ctx, sess, "closed")
	return nil
}

// Status returns the quick view of one conversation.
func (m *Manager) Status(conversationID string) (*Status, error) {
	sess, err := m.session(conversationID)
	if err != nil {
		return nil, err
	}
	return m.status(sess), nil
}

// Summary returns the full context snapshot plus live metrics.
func (m *Manager) Summary(conversationID string) (*Summary, error) {
	sess, err := m.session(conversationID)
	if err != nil {
		return nil, err
	}

	out := &Summary{
		Status:  *m.status(sess),
		Context: sess.context.Snapshot(),
	}
	if m.collector != nil {
		if metrics, ok := m.collector.Live(conversationID); ok {
			out.Metrics = &metrics
		}
	}
	return out, nil
}

// SystemMetrics aggregates live conversation and model stats.
func (m *Manager) SystemMetrics() *SystemMetrics {
	m.mu.RLock()
	byState := make(map[string]int)
	for _, sess := range m.sessions {
		byState[string(sess.machine.State())]++
	}
	active := len(m.sessions)
	m.mu.RUnlock()

	out := &SystemMetrics{
		ActiveConversations: active,
		ByState:             byState,
		Models:              map[string]analytics.ModelSnapshot{},
	}
	if m.collector != nil {
		out.Models = m.collector.ModelSnapshots()
	}
	return out
}

// Health reports the manager's condition.
func (m *Manager) Health() *Health {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()

	return &Health{
		Status:              "ok",
		ActiveConversations: active,
		ContextStoreSize:    m.contexts.Len(),
	}
}

// CheckTimeouts fires idle rules, flags SLA breaches and archives
// lingering terminal-bound conversations. Called periodically.
func (m *Manager) CheckTimeouts(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, sess := range sessions {
		if event, fired := sess.machine.CheckTimeout(); fired {
			sess.context.RecordStateChange(string(event.From), string(event.To), event.Timestamp)
			m.persist(ctx, sess)
			slog.Info("Idle timeout fired", "conversation", sess.id, "from", event.From, "to", event.To)
		}

		m.checkSLA(sess, now)

		state := sess.machine.State()
		if (state == fsm.StateResolved || state == fsm.StateAbandoned) &&
			now.Sub(sess.context.LastActivity()) >= m.archiveAfter {
			m.archive(ctx, sess, "retention")
		}
	}
}

func (m *Manager) checkSLA(sess *session, now time.Time) {
	var breached bool
	sess.context.Update(func(c *convctx.Context) {
		if c.Business.SLABreached || c.Business.SLADeadline == nil {
			return
		}
		if now.After(*c.Business.SLADeadline) {
			c.Business.SLABreached = true
			breached = true
		}
	})
	if breached {
		if m.collector != nil {
			m.collector.MarkSLABreach(sess.id, now)
		}
		slog.Warn("SLA deadline breached", "conversation", sess.id)
	}
}

// archive moves the session to the terminal state and releases it.
func (m *Manager) archive(ctx context.Context, sess *session, reason string) {
	event, err := sess.machine.Transition(fsm.StateArchived, fsm.TransitionContext{Reason: reason})
	if err != nil {
		slog.Warn("Failed to archive conversation", "conversation", sess.id, "error", err)
		return
	}
	sess.context.RecordStateChange(string(event.From), string(event.To), event.Timestamp)
	m.persist(ctx, sess)

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()
	m.contexts.Drop(sess.id)
}

func (m *Manager) session(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return sess, nil
}

func (m *Manager) status(sess *session) *Status {
	state := sess.machine.State()
	var userMsgs, aiMsgs int
	var lastActivity time.Time
	sess.context.Read(func(c *convctx.Context) {
		userMsgs = c.Session.UserMessages
		aiMsgs = c.Session.AIMessages
		lastActivity = c.Session.LastActivity
	})

	return &Status{
		ConversationID: sess.id,
		TenantID:       sess.tenantID,
		Channel:        sess.channel,
		State:          state,
		Previous:       sess.machine.Previous(),
		CanReceive:     state.CanReceiveMessages(),
		UserMessages:   userMsgs,
		AIMessages:     aiMsgs,
		CreatedAt:      sess.createdAt,
		LastActivity:   lastActivity,
	}
}

// persist writes the conversation record; storage is optional.
func (m *Manager) persist(ctx context.Context, sess *session) {
	if m.store == nil {
		return
	}

	snapshot, err := json.Marshal(sess.context.Snapshot())
	if err != nil {
		slog.Warn("Failed to serialise context", "conversation", sess.id, "error", err)
		snapshot = nil
	}
	rec := &storage.ConversationRecord{
		ID:             sess.id,
		TenantID:       sess.tenantID,
		UserID:         sess.userID,
		Channel:        sess.channel,
		State:          string(sess.machine.State()),
		Previous:       string(sess.machine.Previous()),
		CreatedAt:      sess.createdAt,
		LastActivityAt: sess.context.LastActivity(),
		Context:        snapshot,
	}
	if err := m.store.PutConversation(ctx, rec); err != nil {
		slog.Warn("Failed to persist conversation", "conversation", sess.id, "error", err)
	}
}

// Restore rehydrates a conversation from its persisted record. The
// machine resumes at the stored state without emitting events.
func (m *Manager) Restore(rec *storage.ConversationRecord, histories convctx.HistoryConfig) error {
	var snapshot convctx.Snapshot
	if len(rec.Context) > 0 {
		if err := json.Unmarshal(rec.Context, &snapshot); err != nil {
			return fmt.Errorf("failed to decode context snapshot: %w", err)
		}
	}
	snapshot.ConversationID = rec.ID
	cc := convctx.FromSnapshot(&snapshot, histories)
	m.contexts.Put(cc)

	var listeners []fsm.Listener
	if m.collector != nil {
		listeners = append(listeners, m.collector.FSMListener())
	}
	machine := fsm.NewMachine(rec.ID, m.timeouts, listeners...)
	if err := machine.Restore(fsm.State(rec.State), fsm.State(rec.Previous)); err != nil {
		return err
	}

	sess := &session{
		id:        rec.ID,
		tenantID:  rec.TenantID,
		userID:    rec.UserID,
		channel:   rec.Channel,
		createdAt: rec.CreatedAt,
		machine:   machine,
		context:   cc,
	}
	m.mu.Lock()
	m.sessions[rec.ID] = sess
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.ConversationStarted(rec.ID, rec.TenantID, rec.Channel, rec.CreatedAt)
	}
	return nil
}
