package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeGorm   StoreType = "gorm"
)

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// ConversationStore persists conversations, their membership and transcript.
type ConversationStore interface {
	Store

	// CreateConversation stores a new conversation together with its initial
	// participants. IDs and timestamps are filled in when empty.
	CreateConversation(ctx context.Context, conv *types.Conversation, participants []*types.Participant) error

	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)

	// UpdateConversation loads the conversation, applies fn and saves the
	// mutable fields (title, mode, status, caps, settings) atomically.
	UpdateConversation(ctx context.Context, conversationID string, fn func(*types.Conversation) error) (*types.Conversation, error)

	// AddParticipant adds a member, or reactivates one that previously left.
	AddParticipant(ctx context.Context, p *types.Participant) error

	// DeactivateParticipant marks a member as left. The row is kept.
	DeactivateParticipant(ctx context.Context, conversationID string, identity types.Sender) error

	GetParticipant(ctx context.Context, conversationID string, identity types.Sender) (*types.Participant, error)

	// ListParticipants returns members ordered by JoinedAt then ID.
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]*types.Participant, error)

	// AppendMessage assigns the next sequence number, stores the message and
	// updates the conversation counters in one atomic step.
	AppendMessage(ctx context.Context, msg *types.Message) error

	GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error)

	// TransitionMessage moves a message from one status to another. It fails
	// with ErrInvalidTransition when the current status is not from.
	TransitionMessage(ctx context.Context, conversationID, messageID string, from, to types.MessageStatus) (*types.Message, error)

	// ListMessagesAfter returns messages with a sequence number greater than
	// afterSeq in ascending order. Inner dialogue is included.
	ListMessagesAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*types.Message, error)

	// RecentMessages returns up to limit of the latest deliverable messages
	// in ascending order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error)

	// MarkRead advances the participant's read cursor to messageID. The
	// cursor never moves backwards.
	MarkRead(ctx context.Context, conversationID string, identity types.Sender, messageID string) (*types.Participant, error)

	// UnreadCount counts deliverable messages after the user's read cursor
	// that the user did not send.
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
}

func conversationNotFound(id string) error {
	return types.NewError(types.ErrConversationNotFound, fmt.Sprintf("conversation %s not found", id)).
		WithCause(ErrNotFound).WithHTTPStatus(404)
}

func messageNotFound(id string) error {
	return types.NewError(types.ErrMessageNotFound, fmt.Sprintf("message %s not found", id)).
		WithCause(ErrNotFound).WithHTTPStatus(404)
}

func participantNotFound(conversationID string, identity types.Sender) error {
	return types.NewError(types.ErrNotParticipant,
		fmt.Sprintf("%s is not a participant of conversation %s", identity, conversationID)).
		WithCause(ErrNotFound).WithHTTPStatus(403)
}

func actionNotFound(id string) error {
	return types.NewError(types.ErrActionNotFound, fmt.Sprintf("pending action %s not found", id)).
		WithCause(ErrNotFound).WithHTTPStatus(404)
}

// ErrInvalidTransition is returned by TransitionMessage and UpdateAction when
// the stored status does not match the expected one.
var ErrInvalidTransition = types.NewError(types.ErrInvalidTransition, "status changed concurrently").WithHTTPStatus(409)

func invalidTransition(what, id string, from, current any) error {
	return types.NewError(types.ErrInvalidTransition,
		fmt.Sprintf("%s %s: expected status %v, found %v", what, id, from, current)).
		WithCause(ErrInvalidTransition).WithHTTPStatus(409)
}

// countsTowardTotals reports whether a message affects conversation counters.
func countsTowardTotals(msg *types.Message) bool {
	return !msg.IsInnerDialogue
}

func applyCounters(conv *types.Conversation, msg *types.Message) {
	if !countsTowardTotals(msg) {
		return
	}
	conv.MessageCount++
	if msg.IsAgentMessage() {
		conv.ResponseCount++
		conv.TotalTokens += int64(msg.TokensUsed)
	}
	at := msg.CreatedAt
	conv.LastMessageAt = &at
	conv.UpdatedAt = time.Now()
}

// ActionStore persists pending actions for the approval gate.
type ActionStore interface {
	CreateAction(ctx context.Context, a *types.PendingAction) error
	GetAction(ctx context.Context, id string) (*types.PendingAction, error)

	// UpdateAction saves a only if the stored status still equals expected,
	// otherwise it fails with ErrInvalidTransition.
	UpdateAction(ctx context.Context, a *types.PendingAction, expected types.ActionStatus) error

	// ListActions returns matching actions, oldest first.
	ListActions(ctx context.Context, filter types.ActionFilter) ([]*types.PendingAction, error)
}
