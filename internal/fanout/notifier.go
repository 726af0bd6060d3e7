package fanout

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// Notifier turns conversation activity into fanout events. It satisfies the
// scheduler's notifier contract and can be registered as a gate handler.
type Notifier struct {
	hub    *Hub
	store  Store
	logger *zap.Logger
}

// NewNotifier creates a notifier publishing through hub.
func NewNotifier(hub *Hub, store Store, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{hub: hub, store: store, logger: logger.With(zap.String("component", "fanout_notifier"))}
}

// MessageCreated publishes NewMessage, a refreshed conversation summary and
// the unread count of every other active human participant.
func (n *Notifier) MessageCreated(ctx context.Context, conv *types.Conversation, msg *types.Message) {
	if !msg.Deliverable() {
		return
	}
	n.hub.Publish(ctx, NewMessageEvent(conv.OrganizationID, msg))

	// counters on conv may predate this message
	fresh, err := n.store.GetConversation(ctx, conv.ID)
	if err != nil {
		n.logger.Warn("reload conversation failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		fresh = conv
	}
	n.hub.Publish(ctx, ConversationUpdatedEvent(fresh))
	n.refreshUnread(ctx, fresh, msg.Sender)
}

// ConversationChanged publishes a conversation summary.
func (n *Notifier) ConversationChanged(ctx context.Context, conv *types.Conversation) {
	n.hub.Publish(ctx, ConversationUpdatedEvent(conv))
}

// ActionProposed announces a new pending action to the conversation and to
// the conversation owner's notifications.
func (n *Notifier) ActionProposed(ctx context.Context, conv *types.Conversation, action *types.PendingAction) {
	n.hub.Publish(ctx, PendingActionEvent(ConversationGroup(conv.OrganizationID, conv.ID), action))
	if conv.CreatedBy != "" {
		n.hub.Publish(ctx, PendingActionEvent(NotificationGroup(conv.OrganizationID, conv.CreatedBy), action))
	}
}

// ActionChanged publishes review-state changes of actions tied to a
// conversation. Its signature matches the gate's handler type.
func (n *Notifier) ActionChanged(ctx context.Context, action *types.PendingAction) {
	if action.ConversationID == "" || action.Status == types.ActionPending {
		return
	}
	orgID := action.OrganizationID
	if orgID == "" {
		conv, err := n.store.GetConversation(ctx, action.ConversationID)
		if err != nil {
			n.logger.Debug("skip action event for unknown conversation", zap.String("action_id", action.ID))
			return
		}
		orgID = conv.OrganizationID
	}
	n.hub.Publish(ctx, PendingActionEvent(ConversationGroup(orgID, action.ConversationID), action))
}

func (n *Notifier) refreshUnread(ctx context.Context, conv *types.Conversation, sender types.Sender) {
	members, err := n.store.ListParticipants(ctx, conv.ID, true)
	if err != nil {
		n.logger.Warn("list participants failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}
	for _, p := range members {
		userID, ok := p.Identity.UserID()
		if !ok || p.Identity == sender {
			continue
		}
		if _, err := n.hub.RefreshUnread(ctx, conv.OrganizationID, conv.ID, userID); err != nil {
			n.logger.Debug("unread refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}
