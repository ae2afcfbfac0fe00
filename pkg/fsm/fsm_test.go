package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateClasses(t *testing.T) {
	assert.True(t, StateInitialized.CanReceiveMessages())
	assert.True(t, StateProcessing.CanReceiveMessages())
	assert.True(t, StateWaitingForUser.CanReceiveMessages())
	assert.False(t, StateEscalated.CanReceiveMessages())
	assert.False(t, StateArchived.CanReceiveMessages())

	assert.True(t, StateArchived.Terminal())
	assert.False(t, StateResolved.Terminal())

	assert.True(t, StateInitialized.RequiresProcessing())
	assert.True(t, StateProcessing.RequiresProcessing())
	assert.False(t, StateWaitingForUser.RequiresProcessing())
}

func TestAdjacency(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateInitialized, StateActive, true},
		{StateInitialized, StateProcessing, true},
		{StateInitialized, StateResolved, false},
		{StateActive, StateEscalated, true},
		{StateProcessing, StateResolved, true},
		{StateProcessing, StateAbandoned, false},
		{StateWaitingForUser, StateAbandoned, true},
		{StateWaitingForAgent, StateResolved, true},
		{StateEscalated, StateTransferred, true},
		{StateEscalated, StateActive, false},
		{StateTransferred, StateActive, true},
		{StateResolved, StateArchived, true},
		{StateAbandoned, StateArchived, true},
		{StateArchived, StateActive, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestArchivedHasNoSuccessors(t *testing.T) {
	assert.Empty(t, Successors(StateArchived))
}

func TestMachine_Transition(t *testing.T) {
	var events []Event
	m := NewMachine("conv-1", nil, func(e Event) { events = append(events, e) })

	_, err := m.Transition(StateActive, TransitionContext{Reason: "greeting"})
	require.NoError(t, err)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, StateInitialized, m.Previous())

	require.Len(t, events, 1)
	assert.Equal(t, StateInitialized, events[0].From)
	assert.Equal(t, StateActive, events[0].To)
	assert.Equal(t, "greeting", events[0].Reason)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestMachine_InvalidTransition(t *testing.T) {
	m := NewMachine("conv-1", nil)

	_, err := m.Transition(StateResolved, TransitionContext{
		ResolutionType: "solved", Actor: "agent-1",
	})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StateInitialized, ite.From)
	// State unchanged on rejection.
	assert.Equal(t, StateInitialized, m.State())
}

func TestMachine_Guards(t *testing.T) {
	newActive := func() *Machine {
		m := NewMachine("conv-1", nil)
		_, err := m.Transition(StateActive, TransitionContext{})
		require.NoError(t, err)
		return m
	}

	t.Run("escalated requires reason and actor", func(t *testing.T) {
		m := newActive()
		_, err := m.Transition(StateEscalated, TransitionContext{Actor: "system"})
		assert.Error(t, err)
		_, err = m.Transition(StateEscalated, TransitionContext{Reason: "angry"})
		assert.Error(t, err)
		_, err = m.Transition(StateEscalated, TransitionContext{Reason: "angry", Actor: "system"})
		assert.NoError(t, err)
	})

	t.Run("resolved requires type and actor", func(t *testing.T) {
		m := newActive()
		_, err := m.Transition(StateResolved, TransitionContext{Actor: "agent"})
		assert.Error(t, err)
		_, err = m.Transition(StateResolved, TransitionContext{ResolutionType: "solved", Actor: "agent"})
		assert.NoError(t, err)
	})

	t.Run("transferred requires target and reason", func(t *testing.T) {
		m := newActive()
		_, err := m.Transition(StateEscalated, TransitionContext{Reason: "vip", Actor: "system"})
		require.NoError(t, err)
		_, err = m.Transition(StateTransferred, TransitionContext{Reason: "vip"})
		assert.Error(t, err)
		_, err = m.Transition(StateTransferred, TransitionContext{Target: "tier2", Reason: "vip"})
		assert.NoError(t, err)
	})
}

func TestMachine_Timeout(t *testing.T) {
	now := time.Now()
	m := NewMachine("conv-1", map[State]TimeoutRule{
		StateProcessing: {After: 60 * time.Second, Target: StateEscalated},
	})
	m.now = func() time.Time { return now }

	_, err := m.Transition(StateProcessing, TransitionContext{})
	require.NoError(t, err)

	_, fired := m.CheckTimeout()
	assert.False(t, fired)

	now = now.Add(61 * time.Second)
	event, fired := m.CheckTimeout()
	require.True(t, fired)
	assert.True(t, event.Auto)
	assert.Equal(t, StateEscalated, m.State())
}

func TestMachine_TimeoutNoRule(t *testing.T) {
	m := NewMachine("conv-1", map[State]TimeoutRule{})
	_, fired := m.CheckTimeout()
	assert.False(t, fired)
}

func TestMachine_Restore(t *testing.T) {
	m := NewMachine("conv-1", nil)
	require.NoError(t, m.Restore(StateWaitingForUser, StateProcessing))
	assert.Equal(t, StateWaitingForUser, m.State())
	assert.Equal(t, StateProcessing, m.Previous())

	assert.Error(t, m.Restore(State("bogus"), StateActive))
}

func TestMachine_SequenceLegality(t *testing.T) {
	// Any accepted sequence must start at initialized and stay inside the
	// adjacency relation.
	m := NewMachine("conv-1", nil)
	var events []Event
	m.listeners = append(m.listeners, func(e Event) { events = append(events, e) })

	path := []struct {
		to   State
		tctx TransitionContext
	}{
		{StateActive, TransitionContext{}},
		{StateProcessing, TransitionContext{}},
		{StateEscalated, TransitionContext{Reason: "stuck", Actor: "pipeline"}},
		{StateTransferred, TransitionContext{Target: "human", Reason: "stuck"}},
		{StateResolved, TransitionContext{ResolutionType: "solved", Actor: "agent"}},
		{StateArchived, TransitionContext{}},
	}
	for _, step := range path {
		_, err := m.Transition(step.to, step.tctx)
		require.NoError(t, err, "to %s", step.to)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, StateInitialized, events[0].From)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].To, events[i].From)
		assert.True(t, CanTransition(events[i].From, events[i].To))
	}
	assert.True(t, m.State().Terminal())
}
