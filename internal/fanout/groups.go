package fanout

import (
	"fmt"
	"strings"
)

const (
	conversationPrefix  = "conversation"
	notificationsPrefix = "notifications"
)

// ConversationGroup names the group carrying one conversation's events.
func ConversationGroup(orgID, conversationID string) string {
	return fmt.Sprintf("%s:%s:%s", conversationPrefix, orgID, conversationID)
}

// NotificationGroup names a user's personal notification group.
func NotificationGroup(orgID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", notificationsPrefix, orgID, userID)
}

// GroupKind is the first segment of a group name.
type GroupKind string

const (
	KindConversation  GroupKind = conversationPrefix
	KindNotifications GroupKind = notificationsPrefix
)

// ParseGroup splits a group name into its kind, organization and subject id.
func ParseGroup(group string) (kind GroupKind, orgID, id string, err error) {
	parts := strings.SplitN(group, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed group name %q", group)
	}
	switch GroupKind(parts[0]) {
	case KindConversation, KindNotifications:
		return GroupKind(parts[0]), parts[1], parts[2], nil
	}
	return "", "", "", fmt.Errorf("unknown group kind in %q", group)
}
