package conversation

import (
	"fmt"
)

// LoopState is a named state of the per-message round loop.
type LoopState string

const (
	StateIdle       LoopState = "idle"
	StateRouting    LoopState = "routing"
	StateScoring    LoopState = "scoring"
	StateInvoking   LoopState = "invoking"
	StateEvaluating LoopState = "evaluating"
	StateNextRound  LoopState = "next_round"
	StateDone       LoopState = "done"
)

var loopTransitions = map[LoopState][]LoopState{
	StateIdle:       {StateRouting, StateDone},
	StateRouting:    {StateScoring, StateInvoking, StateDone},
	StateScoring:    {StateInvoking, StateDone},
	StateInvoking:   {StateEvaluating, StateDone},
	StateEvaluating: {StateNextRound, StateDone},
	StateNextRound:  {StateRouting, StateDone},
}

// CanTransition reports whether from → to is a legal loop transition.
func CanTransition(from, to LoopState) bool {
	for _, s := range loopTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StopReason explains why a round loop finished.
type StopReason string

const (
	StopCompleted       StopReason = "completed"
	StopNoCandidates    StopReason = "no_candidates"
	StopRoundCap        StopReason = "round_cap"
	StopInactive        StopReason = "conversation_inactive"
	StopTurnsExhausted  StopReason = "max_turns"
	StopTokensExhausted StopReason = "max_tokens"
	StopCancelled       StopReason = "cancelled"
	StopStorageError    StopReason = "storage_error"
)

// Machine tracks the loop state and rejects illegal transitions.
type Machine struct {
	state   LoopState
	history []LoopState
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, history: []LoopState{StateIdle}}
}

// State returns the current state.
func (m *Machine) State() LoopState { return m.state }

// History returns every state visited, in order.
func (m *Machine) History() []LoopState {
	return append([]LoopState(nil), m.history...)
}

// Advance moves to the next state.
func (m *Machine) Advance(to LoopState) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("illegal loop transition %s -> %s", m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// Finish moves to StateDone from any state that allows it.
func (m *Machine) Finish() error {
	if m.state == StateDone {
		return nil
	}
	return m.Advance(StateDone)
}
