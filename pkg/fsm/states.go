package fsm

// State is one conversation lifecycle state.
type State string

const (
	StateInitialized     State = "initialized"
	StateActive          State = "active"
	StateProcessing      State = "processing"
	StateWaitingForUser  State = "waiting_for_user"
	StateWaitingForAgent State = "waiting_for_agent"
	StateEscalated       State = "escalated"
	StateTransferred     State = "transferred"
	StateResolved        State = "resolved"
	StateAbandoned       State = "abandoned"
	StateArchived        State = "archived"
)

// transitions is the fixed adjacency matrix.
var transitions = map[State][]State{
	StateInitialized: {StateActive, StateProcessing, StateAbandoned},
	StateActive: {StateProcessing, StateWaitingForUser, StateWaitingForAgent,
		StateEscalated, StateResolved, StateAbandoned},
	StateProcessing: {StateActive, StateWaitingForUser, StateWaitingForAgent,
		StateEscalated, StateResolved},
	StateWaitingForUser:  {StateActive, StateProcessing, StateEscalated, StateAbandoned},
	StateWaitingForAgent: {StateActive, StateProcessing, StateEscalated, StateResolved},
	StateEscalated:       {StateTransferred, StateResolved},
	StateTransferred:     {StateActive, StateResolved},
	StateResolved:        {StateArchived},
	StateAbandoned:       {StateArchived},
	StateArchived:        {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanReceiveMessages reports whether the state accepts user turns.
func (s State) CanReceiveMessages() bool {
	switch s {
	case StateInitialized, StateActive, StateProcessing,
		StateWaitingForUser, StateWaitingForAgent:
		return true
	}
	return false
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateArchived
}

// RequiresProcessing reports whether the state implies pending AI work.
func (s State) RequiresProcessing() bool {
	switch s {
	case StateInitialized, StateActive, StateProcessing:
		return true
	}
	return false
}

// CanTransition reports whether from→to is in the adjacency relation.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Successors returns the allowed destination states.
func Successors(from State) []State {
	out := make([]State, len(transitions[from]))
	copy(out, transitions[from])
	return out
}
