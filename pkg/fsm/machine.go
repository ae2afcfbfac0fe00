package fsm

import (
	"fmt"
	"sync"
	"time"
)

// InvalidTransitionError rejects a transition outside the adjacency matrix
// or one missing its required context.
type InvalidTransitionError struct {
	From   State
	To     State
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// TransitionContext carries the facts guarded destinations require.
type TransitionContext struct {
	Reason         string
	Actor          string // who escalated / resolved / transferred
	ResolutionType string
	Target         string // agent or queue for transfers
	Metadata       map[string]any
}

// Event is the structured record emitted on every transition.
type Event struct {
	ConversationID string         `json:"conversation_id"`
	From           State          `json:"from"`
	To             State          `json:"to"`
	Timestamp      time.Time      `json:"timestamp"`
	Reason         string         `json:"reason,omitempty"`
	Auto           bool           `json:"auto,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TimeoutRule fires an automatic transition after idling in a state.
type TimeoutRule struct {
	After  time.Duration `yaml:"after"`
	Target State         `yaml:"target"`
}

// DefaultTimeouts returns the standard per-state idle rules.
func DefaultTimeouts() map[State]TimeoutRule {
	return map[State]TimeoutRule{
		StateProcessing:     {After: 60 * time.Second, Target: StateEscalated},
		StateActive:         {After: 1800 * time.Second, Target: StateAbandoned},
		StateWaitingForUser: {After: 3600 * time.Second, Target: StateAbandoned},
	}
}

// Listener receives transition events in causal order.
type Listener func(Event)

// Machine is the per-conversation state machine. Transitions are atomic:
// state, previous state and the emitted event change together under one
// lock, and listeners observe events in transition order.
type Machine struct {
	mu sync.Mutex

	conversationID string
	state          State
	previous       State
	enteredAt      time.Time
	timeouts       map[State]TimeoutRule
	listeners      []Listener
	now            func() time.Time
}

// NewMachine builds a machine starting at initialized.
func NewMachine(conversationID string, timeouts map[State]TimeoutRule, listeners ...Listener) *Machine {
	if timeouts == nil {
		timeouts = DefaultTimeouts()
	}
	return &Machine{
		conversationID: conversationID,
		state:          StateInitialized,
		timeouts:       timeouts,
		listeners:      listeners,
		now:            time.Now,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Previous returns the prior state.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// Restore forces the machine into a persisted state without emitting an
// event. Used when rehydrating a conversation.
func (m *Machine) Restore(state, previous State) error {
	if !state.Valid() {
		return fmt.Errorf("unknown state %q", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.previous = previous
	m.enteredAt = m.now()
	return nil
}

// Transition moves the machine to the destination state, validating the
// adjacency matrix and the destination's guard context.
func (m *Machine) Transition(to State, tctx TransitionContext) (Event, error) {
	m.mu.Lock()

	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return Event{}, &InvalidTransitionError{From: from, To: to}
	}
	if reason := guardFailure(to, tctx); reason != "" {
		m.mu.Unlock()
		return Event{}, &InvalidTransitionError{From: from, To: to, Reason: reason}
	}

	event := Event{
		ConversationID: m.conversationID,
		From:           from,
		To:             to,
		Timestamp:      m.now(),
		Reason:         tctx.Reason,
		Metadata:       tctx.Metadata,
	}
	m.previous = from
	m.state = to
	m.enteredAt = event.Timestamp
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
	return event, nil
}

// CheckTimeout fires the state's idle rule when its deadline has passed.
// The bool result reports whether an auto-transition happened.
func (m *Machine) CheckTimeout() (Event, bool) {
	m.mu.Lock()
	rule, ok := m.timeouts[m.state]
	if !ok || m.now().Sub(m.enteredAt) < rule.After {
		m.mu.Unlock()
		return Event{}, false
	}
	from := m.state
	to := rule.Target
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return Event{}, false
	}

	event := Event{
		ConversationID: m.conversationID,
		From:           from,
		To:             to,
		Timestamp:      m.now(),
		Reason:         fmt.Sprintf("idle timeout after %s", rule.After),
		Auto:           true,
	}
	m.previous = from
	m.state = to
	m.enteredAt = event.Timestamp
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
	return event, true
}

// guardFailure returns a non-empty reason when the destination's required
// context is missing.
func guardFailure(to State, tctx TransitionContext) string {
	switch to {
	case StateEscalated:
		if tctx.Reason == "" {
			return "escalation requires a reason"
		}
		if tctx.Actor == "" {
			return "escalation requires an escalator"
		}
	case StateResolved:
		if tctx.ResolutionType == "" {
			return "resolution requires a resolution type"
		}
		if tctx.Actor == "" {
			return "resolution requires a resolver"
		}
	case StateTransferred:
		if tctx.Target == "" {
			return "transfer requires a target"
		}
		if tctx.Reason == "" {
			return "transfer requires a reason"
		}
	}
	return ""
}
