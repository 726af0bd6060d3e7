package fanout

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// EventType names an outbound event.
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventConversationUpdated EventType = "conversation_updated"
	EventUnreadCount         EventType = "unread_count"
	EventPendingAction       EventType = "pending_action"
)

// Event is what clients receive. Data holds one of the payload structs below.
type Event struct {
	Type  EventType       `json:"type"`
	Group string          `json:"group"`
	Data  json.RawMessage `json:"data"`
}

// previewLength bounds ContentPreview in NewMessage events.
const previewLength = 140

type NewMessage struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	SenderType     types.SenderKind `json:"sender_type"`
	SenderName     string           `json:"sender_name"`
	ContentPreview string           `json:"content_preview"`
	SequenceNumber int64            `json:"sequence_number"`
	CreatedAt      time.Time        `json:"created_at"`
}

type ConversationUpdated struct {
	ConversationID string                   `json:"conversation_id"`
	Title          string                   `json:"title"`
	Status         types.ConversationStatus `json:"status"`
	MessageCount   int64                    `json:"message_count"`
	LastMessageAt  *time.Time               `json:"last_message_at,omitempty"`
}

type UnreadCount struct {
	ConversationID string `json:"conversation_id"`
	Count          int64  `json:"count"`
}

type PendingActionChanged struct {
	ActionID       string             `json:"action_id"`
	ConversationID string             `json:"conversation_id,omitempty"`
	AgentID        string             `json:"agent_id,omitempty"`
	ActionType     types.ActionType   `json:"action_type"`
	EntityType     string             `json:"entity_type"`
	EntityID       string             `json:"entity_id,omitempty"`
	Status         types.ActionStatus `json:"status"`
	Reason         string             `json:"reason,omitempty"`
}

func newEvent(t EventType, group string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Type: t, Group: group, Data: data}
}

// NewMessageEvent builds the event announcing msg.
func NewMessageEvent(orgID string, msg *types.Message) Event {
	name := msg.SenderName
	if name == "" {
		name = msg.Sender.ID()
	}
	return newEvent(EventNewMessage, ConversationGroup(orgID, msg.ConversationID), NewMessage{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderType:     msg.Sender.Kind(),
		SenderName:     name,
		ContentPreview: msg.ContentPreview(previewLength),
		SequenceNumber: msg.SequenceNumber,
		CreatedAt:      msg.CreatedAt,
	})
}

// ConversationUpdatedEvent builds the summary event for conv.
func ConversationUpdatedEvent(conv *types.Conversation) Event {
	return newEvent(EventConversationUpdated, ConversationGroup(conv.OrganizationID, conv.ID), ConversationUpdated{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Status:         conv.Status,
		MessageCount:   conv.MessageCount,
		LastMessageAt:  conv.LastMessageAt,
	})
}

// UnreadCountEvent builds a user's unread counter event.
func UnreadCountEvent(orgID, userID, conversationID string, count int64) Event {
	return newEvent(EventUnreadCount, NotificationGroup(orgID, userID), UnreadCount{
		ConversationID: conversationID,
		Count:          count,
	})
}

// PendingActionEvent builds a review-state event for group.
func PendingActionEvent(group string, a *types.PendingAction) Event {
	return newEvent(EventPendingAction, group, PendingActionChanged{
		ActionID:       a.ID,
		ConversationID: a.ConversationID,
		AgentID:        a.AgentID,
		ActionType:     a.ActionType,
		EntityType:     a.EntityType,
		EntityID:       a.EntityID,
		Status:         a.Status,
		Reason:         a.Reason,
	})
}
