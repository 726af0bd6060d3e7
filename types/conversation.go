package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ConversationMode defines how agents are selected to respond.
type ConversationMode string

const (
	ModeOnDemand   ConversationMode = "on_demand"   // Only @mentioned agents respond
	ModeModerated  ConversationMode = "moderated"   // Agent replies wait for moderator approval
	ModeRoundRobin ConversationMode = "round_robin" // Every agent, once, in join order
	ModeFree       ConversationMode = "free"        // Every agent, repeated rounds up to a safety cap
	ModeEmergent   ConversationMode = "emergent"    // Agents self-select by relevance score
)

// Valid reports whether m is a known mode.
func (m ConversationMode) Valid() bool {
	switch m {
	case ModeOnDemand, ModeModerated, ModeRoundRobin, ModeFree, ModeEmergent:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationPaused   ConversationStatus = "paused"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is a shared chat between humans and agents.
type Conversation struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Title          string           `json:"title"`
	Mode           ConversationMode `json:"mode"`
	// ModeratedSelection picks the candidate selection used under ModeModerated
	// (ModeOnDemand or ModeFree). Empty means ModeOnDemand.
	ModeratedSelection ConversationMode   `json:"moderated_selection,omitempty"`
	Status             ConversationStatus `json:"status"`
	CreatedBy          string             `json:"created_by"`

	MessageCount  int64  `json:"message_count"`
	ResponseCount int64  `json:"response_count"`
	TotalTokens   int64  `json:"total_tokens"`
	MaxTurns      *int64 `json:"max_turns,omitempty"`
	MaxTokens     *int64 `json:"max_tokens,omitempty"`

	// EmergentSettingsJSON is the raw persisted blob. It is decoded once per
	// triggering message and ignored unless Mode is ModeEmergent.
	EmergentSettingsJSON string `json:"emergent_settings,omitempty"`

	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsActive reports whether new rounds may start.
func (c *Conversation) IsActive() bool {
	return c.Status == ConversationActive
}

// TurnsExhausted reports whether MaxTurns has been reached.
func (c *Conversation) TurnsExhausted() bool {
	return c.MaxTurns != nil && c.ResponseCount >= *c.MaxTurns
}

// TokensExhausted reports whether MaxTokens has been reached.
func (c *Conversation) TokensExhausted() bool {
	return c.MaxTokens != nil && c.TotalTokens >= *c.MaxTokens
}

// SelectionMode returns the mode used for candidate selection. For moderated
// conversations this is the configured sub-mode.
func (c *Conversation) SelectionMode() ConversationMode {
	if c.Mode != ModeModerated {
		return c.Mode
	}
	if c.ModeratedSelection == ModeFree {
		return ModeFree
	}
	return ModeOnDemand
}

// SenderKind tags which identity a Sender carries.
type SenderKind string

const (
	SenderUser SenderKind = "user"
	SenderAI   SenderKind = "ai"
)

// Sender identifies who produced a message or who a participant is.
// Exactly one identity is populated; construct with UserSender or AISender.
type Sender struct {
	kind SenderKind
	id   string
}

// UserSender returns a human identity.
func UserSender(userID string) Sender {
	return Sender{kind: SenderUser, id: userID}
}

// AISender returns an agent identity.
func AISender(agentID string) Sender {
	return Sender{kind: SenderAI, id: agentID}
}

// Kind returns the identity tag.
func (s Sender) Kind() SenderKind { return s.kind }

// ID returns the populated identity regardless of kind.
func (s Sender) ID() string { return s.id }

// IsZero reports whether no identity is set.
func (s Sender) IsZero() bool { return s.kind == "" }

// UserID returns the user id when the sender is a human.
func (s Sender) UserID() (string, bool) {
	if s.kind == SenderUser {
		return s.id, true
	}
	return "", false
}

// AgentID returns the agent id when the sender is an AI.
func (s Sender) AgentID() (string, bool) {
	if s.kind == SenderAI {
		return s.id, true
	}
	return "", false
}

func (s Sender) String() string {
	return string(s.kind) + ":" + s.id
}

type senderJSON struct {
	Type SenderKind `json:"type"`
	ID   string     `json:"id"`
}

// MarshalJSON encodes the sender as {"type": "...", "id": "..."}.
func (s Sender) MarshalJSON() ([]byte, error) {
	return json.Marshal(senderJSON{Type: s.kind, ID: s.id})
}

// UnmarshalJSON rejects unknown kinds and empty ids.
func (s *Sender) UnmarshalJSON(data []byte) error {
	var raw senderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSender(raw.Type, raw.ID)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSender builds a Sender from a stored (kind, id) pair.
func ParseSender(kind SenderKind, id string) (Sender, error) {
	if id == "" {
		return Sender{}, fmt.Errorf("sender id is empty")
	}
	switch kind {
	case SenderUser:
		return UserSender(id), nil
	case SenderAI:
		return AISender(id), nil
	default:
		return Sender{}, fmt.Errorf("unknown sender kind %q", kind)
	}
}

// ParticipantRole is a member's authority within a conversation.
type ParticipantRole string

const (
	RoleOwner       ParticipantRole = "owner"
	RoleModerator   ParticipantRole = "moderator"
	RoleParticipant ParticipantRole = "participant"
)

// CanModerate reports whether the role may approve pending agent messages.
func (r ParticipantRole) CanModerate() bool {
	return r == RoleOwner || r == RoleModerator
}

// Participant is conversation-scoped membership. Leaving deactivates the row
// rather than deleting it so past messages keep their attribution.
type Participant struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Identity       Sender          `json:"identity"`
	DisplayName    string          `json:"display_name,omitempty"`
	Role           ParticipantRole `json:"role"`
	IsActive       bool            `json:"is_active"`
	JoinedAt       time.Time       `json:"joined_at"`
	LeftAt         *time.Time      `json:"left_at,omitempty"`

	LastSeenMessageID    string `json:"last_seen_message_id,omitempty"`
	LastSeenSequence     int64  `json:"last_seen_sequence"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageStreaming MessageStatus = "streaming"
	MessageFailed    MessageStatus = "failed"
)

// InnerDialogueType labels intermediate orchestration records.
type InnerDialogueType string

const (
	InnerDialogueRouting    InnerDialogueType = "routing"
	InnerDialogueScoring    InnerDialogueType = "scoring"
	InnerDialogueConsulting InnerDialogueType = "consulting"
	InnerDialogueSynthesis  InnerDialogueType = "synthesis"
)

// ResponseKind distinguishes full replies from brief acknowledgments.
type ResponseKind string

const (
	ResponseReply          ResponseKind = "reply"
	ResponseAcknowledgment ResponseKind = "acknowledgment"
)

// Message is a single entry in a conversation transcript.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Sender         Sender        `json:"sender"`
	SenderName     string        `json:"sender_name,omitempty"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	// SequenceNumber is assigned by the store at persistence time and is never
	// reassigned.
	SequenceNumber  int64  `json:"sequence_number"`
	ParentMessageID string `json:"parent_message_id,omitempty"`

	IsInnerDialogue   bool              `json:"is_inner_dialogue,omitempty"`
	InnerDialogueType InnerDialogueType `json:"inner_dialogue_type,omitempty"`
	InnerDialogueJSON json.RawMessage   `json:"inner_dialogue,omitempty"`

	MentionedAgentIDs []string     `json:"mentioned_agent_ids,omitempty"`
	ResponseKind      ResponseKind `json:"response_kind,omitempty"`
	TriggerMessageID  string       `json:"trigger_message_id,omitempty"`
	Round             int          `json:"round,omitempty"`

	TokensUsed     int     `json:"tokens_used,omitempty"`
	CostCents      float64 `json:"cost_cents,omitempty"`
	ResponseTimeMs int64   `json:"response_time_ms,omitempty"`
	ErrorDetail    string  `json:"error_detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsAgentMessage reports whether the message was produced by an agent.
func (m *Message) IsAgentMessage() bool {
	return m.Sender.Kind() == SenderAI
}

// Deliverable reports whether the message may be pushed to clients.
func (m *Message) Deliverable() bool {
	if m.IsInnerDialogue {
		return false
	}
	return m.Status == MessageSent || m.Status == MessageFailed
}

// ContentPreview returns at most limit runes of the content, collapsed to a
// single line.
func (m *Message) ContentPreview(limit int) string {
	s := strings.Join(strings.Fields(m.Content), " ")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

// AgentProfile is the configuration of an AI participant.
type AgentProfile struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Personality    string   `json:"personality,omitempty"`
	Expertise      []string `json:"expertise,omitempty"`
	SeniorityLevel int      `json:"seniority_level"`
	Temperature    float32  `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
}
