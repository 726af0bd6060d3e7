package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to ActionStatus
		allowed  bool
	}{
		{ActionPending, ActionApproved, true},
		{ActionPending, ActionModified, true},
		{ActionPending, ActionRejected, true},
		{ActionPending, ActionExpired, true},
		{ActionPending, ActionExecuted, false},
		{ActionApproved, ActionExecuted, true},
		{ActionApproved, ActionFailed, true},
		{ActionModified, ActionExecuted, true},
		{ActionModified, ActionFailed, true},
		{ActionRejected, ActionApproved, false},
		{ActionExecuted, ActionFailed, false},
		{ActionFailed, ActionApproved, false},
		{ActionExpired, ActionApproved, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	for _, s := range []ActionStatus{ActionRejected, ActionExecuted, ActionFailed, ActionExpired} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, ActionPending.IsTerminal())
}

func TestPendingAction_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	a := &PendingAction{Status: ActionPending, ExpiresAt: &past}
	assert.True(t, a.IsExpiredAt(now))
	assert.False(t, a.AwaitingReview(now))

	a.ExpiresAt = &future
	assert.False(t, a.IsExpiredAt(now))
	assert.True(t, a.AwaitingReview(now))

	a.ExpiresAt = nil
	assert.True(t, a.AwaitingReview(now))

	a.Status = ActionApproved
	a.ExpiresAt = &past
	assert.False(t, a.IsExpiredAt(now))
}
