package types

import (
	"encoding/json"
	"time"
)

// ActionType is the kind of mutation an agent proposes.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ActionStatus is the review state of a pending action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionModified ActionStatus = "modified"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
	ActionExpired  ActionStatus = "expired"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:  {ActionApproved, ActionModified, ActionRejected, ActionExpired},
	ActionApproved: {ActionExecuted, ActionFailed},
	ActionModified: {ActionExecuted, ActionFailed},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ActionStatus) CanTransitionTo(next ActionStatus) bool {
	for _, allowed := range actionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s ActionStatus) IsTerminal() bool {
	return len(actionTransitions[s]) == 0
}

// PendingAction is an agent-proposed mutation awaiting human review.
// ConversationID, MessageID and AgentID are optional: standalone AI chat may
// propose actions outside a conversation.
type PendingAction struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`

	ActionType ActionType `json:"action_type"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`

	ProposedData      json.RawMessage `json:"proposed_data"`
	PreviousData      json.RawMessage `json:"previous_data,omitempty"`
	UserModifications json.RawMessage `json:"user_modifications,omitempty"`
	FinalData         json.RawMessage `json:"final_data,omitempty"`
	ExecutionResult   json.RawMessage `json:"execution_result,omitempty"`

	Status          ActionStatus `json:"status"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	ReviewedBy      string       `json:"reviewed_by,omitempty"`

	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsExpiredAt reports whether a still-pending action is past its expiry.
func (a *PendingAction) IsExpiredAt(now time.Time) bool {
	return a.Status == ActionPending && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// AwaitingReview reports whether the action belongs in an active review list.
func (a *PendingAction) AwaitingReview(now time.Time) bool {
	return a.Status == ActionPending && !a.IsExpiredAt(now)
}

// ActionFilter narrows pending action queries. Empty fields match anything.
type ActionFilter struct {
	OrganizationID string
	ConversationID string
	EntityType     string
	EntityID       string
	Statuses       []ActionStatus
	// ExpiresBefore, when set, keeps only actions with an expiry at or
	// before this instant.
	ExpiresBefore time.Time
	Limit         int
}

// Matches reports whether a satisfies the filter.
func (f ActionFilter) Matches(a *PendingAction) bool {
	if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
		return false
	}
	if f.ConversationID != "" && a.ConversationID != f.ConversationID {
		return false
	}
	if f.EntityType != "" && a.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && a.EntityID != f.EntityID {
		return false
	}
	if !f.ExpiresBefore.IsZero() && (a.ExpiresAt == nil || a.ExpiresAt.After(f.ExpiresBefore)) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if a.Status == s {
			return true
		}
	}
	return false
}
