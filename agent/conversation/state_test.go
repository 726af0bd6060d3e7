package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_FullCycle(t *testing.T) {
	m := NewMachine()
	for _, to := range []LoopState{StateRouting, StateScoring, StateInvoking, StateEvaluating, StateNextRound, StateRouting, StateInvoking, StateEvaluating, StateDone} {
		require.NoError(t, m.Advance(to), "-> %s", to)
	}
	assert.Equal(t, StateDone, m.State())
	assert.Len(t, m.History(), 10)
}

func TestMachine_RejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		from []LoopState
		to   LoopState
	}{
		{to: StateInvoking},
		{from: []LoopState{StateRouting}, to: StateEvaluating},
		{from: []LoopState{StateRouting, StateInvoking}, to: StateRouting},
		{from: []LoopState{StateRouting, StateInvoking, StateEvaluating}, to: StateScoring},
		{from: []LoopState{StateDone}, to: StateRouting},
	}
	for _, tt := range tests {
		m := NewMachine()
		for _, s := range tt.from {
			require.NoError(t, m.Advance(s))
		}
		before := m.State()
		assert.Error(t, m.Advance(tt.to), "%s -> %s", before, tt.to)
		assert.Equal(t, before, m.State())
	}
}

func TestMachine_FinishFromAnyActiveState(t *testing.T) {
	for _, s := range []LoopState{StateIdle, StateRouting, StateScoring, StateInvoking, StateEvaluating, StateNextRound} {
		assert.True(t, CanTransition(s, StateDone), s)
	}
	m := NewMachine()
	require.NoError(t, m.Finish())
	require.NoError(t, m.Finish())
	assert.Equal(t, []LoopState{StateIdle, StateDone}, m.History())
}
