package persistence

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/BaSui01/roundtable/types"
)

// conversationModel 对应 conversations 表
type conversationModel struct {
	ID                 string `gorm:"primaryKey;size:36"`
	OrganizationID     string `gorm:"size:64;index"`
	Title              string `gorm:"size:255"`
	Mode               string `gorm:"size:32"`
	ModeratedSelection string `gorm:"size:32"`
	Status             string `gorm:"size:32;index"`
	CreatedBy          string `gorm:"size:64"`
	MessageCount       int64
	ResponseCount      int64
	TotalTokens        int64
	LastSequence       int64
	MaxTurns           *int64
	MaxTokens          *int64
	EmergentSettings   datatypes.JSON
	LastMessageAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (conversationModel) TableName() string { return "conversations" }

// participantModel 对应 conversation_participants 表
type participantModel struct {
	ID                   string `gorm:"primaryKey;size:36"`
	ConversationID       string `gorm:"size:36;uniqueIndex:idx_participant_identity"`
	SenderType           string `gorm:"size:8;uniqueIndex:idx_participant_identity"`
	SenderID             string `gorm:"size:64;uniqueIndex:idx_participant_identity"`
	DisplayName          string `gorm:"size:255"`
	Role                 string `gorm:"size:32"`
	IsActive             bool
	JoinedAt             time.Time
	LeftAt               *time.Time
	LastSeenMessageID    string `gorm:"size:36"`
	LastSeenSequence     int64
	NotificationsEnabled bool
}

func (participantModel) TableName() string { return "conversation_participants" }

// messageModel 对应 conversation_messages 表
type messageModel struct {
	ID                string `gorm:"primaryKey;size:36"`
	ConversationID    string `gorm:"size:36;uniqueIndex:idx_message_sequence"`
	SequenceNumber    int64  `gorm:"uniqueIndex:idx_message_sequence"`
	SenderType        string `gorm:"size:8"`
	SenderID          string `gorm:"size:64"`
	SenderName        string `gorm:"size:255"`
	Content           string
	Status            string `gorm:"size:16"`
	ParentMessageID   string `gorm:"size:36"`
	IsInnerDialogue   bool
	InnerDialogueType string `gorm:"size:32"`
	InnerDialogue     datatypes.JSON
	MentionedAgentIDs datatypes.JSON
	ResponseKind      string `gorm:"size:16"`
	TriggerMessageID  string `gorm:"size:36"`
	Round             int
	TokensUsed        int
	CostCents         float64
	ResponseTimeMs    int64
	ErrorDetail       string
	CreatedAt         time.Time
}

func (messageModel) TableName() string { return "conversation_messages" }

// pendingActionModel 对应 pending_actions 表
type pendingActionModel struct {
	ID                string `gorm:"primaryKey;size:36"`
	OrganizationID    string `gorm:"size:64;index"`
	ConversationID    string `gorm:"size:36;index"`
	MessageID         string `gorm:"size:36"`
	AgentID           string `gorm:"size:64"`
	ActionType        string `gorm:"size:16"`
	EntityType        string `gorm:"size:64;index:idx_action_entity"`
	EntityID          string `gorm:"size:64;index:idx_action_entity"`
	Reason            string
	ProposedData      datatypes.JSON
	PreviousData      datatypes.JSON
	UserModifications datatypes.JSON
	FinalData         datatypes.JSON
	ExecutionResult   datatypes.JSON
	Status            string `gorm:"size:16;index"`
	RejectionReason   string
	ReviewedBy        string `gorm:"size:64"`
	ReviewedAt        *time.Time
	ExecutedAt        *time.Time
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (pendingActionModel) TableName() string { return "pending_actions" }

// AutoMigrateModels creates the tables through gorm. Production deployments
// use the SQL migrations instead; this is for tests and local sqlite files.
func AutoMigrateModels(db *gorm.DB) error {
	return db.AutoMigrate(&conversationModel{}, &participantModel{}, &messageModel{}, &pendingActionModel{})
}

func jsonColumn(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func rawJSON(col datatypes.JSON) json.RawMessage {
	if len(col) == 0 {
		return nil
	}
	return json.RawMessage(col)
}

func toConversationModel(c *types.Conversation) *conversationModel {
	return &conversationModel{
		ID:                 c.ID,
		OrganizationID:     c.OrganizationID,
		Title:              c.Title,
		Mode:               string(c.Mode),
		ModeratedSelection: string(c.ModeratedSelection),
		Status:             string(c.Status),
		CreatedBy:          c.CreatedBy,
		MessageCount:       c.MessageCount,
		ResponseCount:      c.ResponseCount,
		TotalTokens:        c.TotalTokens,
		MaxTurns:           c.MaxTurns,
		MaxTokens:          c.MaxTokens,
		EmergentSettings:   jsonColumn([]byte(c.EmergentSettingsJSON)),
		LastMessageAt:      c.LastMessageAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func (m *conversationModel) toDomain() *types.Conversation {
	return &types.Conversation{
		ID:                   m.ID,
		OrganizationID:       m.OrganizationID,
		Title:                m.Title,
		Mode:                 types.ConversationMode(m.Mode),
		ModeratedSelection:   types.ConversationMode(m.ModeratedSelection),
		Status:               types.ConversationStatus(m.Status),
		CreatedBy:            m.CreatedBy,
		MessageCount:         m.MessageCount,
		ResponseCount:        m.ResponseCount,
		TotalTokens:          m.TotalTokens,
		MaxTurns:             m.MaxTurns,
		MaxTokens:            m.MaxTokens,
		EmergentSettingsJSON: string(m.EmergentSettings),
		LastMessageAt:        m.LastMessageAt,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func toParticipantModel(p *types.Participant) *participantModel {
	return &participantModel{
		ID:                   p.ID,
		ConversationID:       p.ConversationID,
		SenderType:           string(p.Identity.Kind()),
		SenderID:             p.Identity.ID(),
		DisplayName:          p.DisplayName,
		Role:                 string(p.Role),
		IsActive:             p.IsActive,
		JoinedAt:             p.JoinedAt,
		LeftAt:               p.LeftAt,
		LastSeenMessageID:    p.LastSeenMessageID,
		LastSeenSequence:     p.LastSeenSequence,
		NotificationsEnabled: p.NotificationsEnabled,
	}
}

func (m *participantModel) toDomain() (*types.Participant, error) {
	identity, err := types.ParseSender(types.SenderKind(m.SenderType), m.SenderID)
	if err != nil {
		return nil, err
	}
	return &types.Participant{
		ID:                   m.ID,
		ConversationID:       m.ConversationID,
		Identity:             identity,
		DisplayName:          m.DisplayName,
		Role:                 types.ParticipantRole(m.Role),
		IsActive:             m.IsActive,
		JoinedAt:             m.JoinedAt,
		LeftAt:               m.LeftAt,
		LastSeenMessageID:    m.LastSeenMessageID,
		LastSeenSequence:     m.LastSeenSequence,
		NotificationsEnabled: m.NotificationsEnabled,
	}, nil
}

func toMessageModel(msg *types.Message) (*messageModel, error) {
	var mentions datatypes.JSON
	if len(msg.MentionedAgentIDs) > 0 {
		data, err := json.Marshal(msg.MentionedAgentIDs)
		if err != nil {
			return nil, err
		}
		mentions = data
	}
	return &messageModel{
		ID:                msg.ID,
		ConversationID:    msg.ConversationID,
		SequenceNumber:    msg.SequenceNumber,
		SenderType:        string(msg.Sender.Kind()),
		SenderID:          msg.Sender.ID(),
		SenderName:        msg.SenderName,
		Content:           msg.Content,
		Status:            string(msg.Status),
		ParentMessageID:   msg.ParentMessageID,
		IsInnerDialogue:   msg.IsInnerDialogue,
		InnerDialogueType: string(msg.InnerDialogueType),
		InnerDialogue:     jsonColumn(msg.InnerDialogueJSON),
		MentionedAgentIDs: mentions,
		ResponseKind:      string(msg.ResponseKind),
		TriggerMessageID:  msg.TriggerMessageID,
		Round:             msg.Round,
		TokensUsed:        msg.TokensUsed,
		CostCents:         msg.CostCents,
		ResponseTimeMs:    msg.ResponseTimeMs,
		ErrorDetail:       msg.ErrorDetail,
		CreatedAt:         msg.CreatedAt,
	}, nil
}

func (m *messageModel) toDomain() (*types.Message, error) {
	sender, err := types.ParseSender(types.SenderKind(m.SenderType), m.SenderID)
	if err != nil {
		return nil, err
	}
	var mentions []string
	if len(m.MentionedAgentIDs) > 0 {
		if err := json.Unmarshal(m.MentionedAgentIDs, &mentions); err != nil {
			return nil, err
		}
	}
	return &types.Message{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		Sender:            sender,
		SenderName:        m.SenderName,
		Content:           m.Content,
		Status:            types.MessageStatus(m.Status),
		SequenceNumber:    m.SequenceNumber,
		ParentMessageID:   m.ParentMessageID,
		IsInnerDialogue:   m.IsInnerDialogue,
		InnerDialogueType: types.InnerDialogueType(m.InnerDialogueType),
		InnerDialogueJSON: rawJSON(m.InnerDialogue),
		MentionedAgentIDs: mentions,
		ResponseKind:      types.ResponseKind(m.ResponseKind),
		TriggerMessageID:  m.TriggerMessageID,
		Round:             m.Round,
		TokensUsed:        m.TokensUsed,
		CostCents:         m.CostCents,
		ResponseTimeMs:    m.ResponseTimeMs,
		ErrorDetail:       m.ErrorDetail,
		CreatedAt:         m.CreatedAt,
	}, nil
}

func toActionModel(a *types.PendingAction) *pendingActionModel {
	return &pendingActionModel{
		ID:                a.ID,
		OrganizationID:    a.OrganizationID,
		ConversationID:    a.ConversationID,
		MessageID:         a.MessageID,
		AgentID:           a.AgentID,
		ActionType:        string(a.ActionType),
		EntityType:        a.EntityType,
		EntityID:          a.EntityID,
		Reason:            a.Reason,
		ProposedData:      jsonColumn(a.ProposedData),
		PreviousData:      jsonColumn(a.PreviousData),
		UserModifications: jsonColumn(a.UserModifications),
		FinalData:         jsonColumn(a.FinalData),
		ExecutionResult:   jsonColumn(a.ExecutionResult),
		Status:            string(a.Status),
		RejectionReason:   a.RejectionReason,
		ReviewedBy:        a.ReviewedBy,
		ReviewedAt:        a.ReviewedAt,
		ExecutedAt:        a.ExecutedAt,
		ExpiresAt:         a.ExpiresAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func (m *pendingActionModel) toDomain() *types.PendingAction {
	return &types.PendingAction{
		ID:                m.ID,
		OrganizationID:    m.OrganizationID,
		ConversationID:    m.ConversationID,
		MessageID:         m.MessageID,
		AgentID:           m.AgentID,
		ActionType:        types.ActionType(m.ActionType),
		EntityType:        m.EntityType,
		EntityID:          m.EntityID,
		Reason:            m.Reason,
		ProposedData:      rawJSON(m.ProposedData),
		PreviousData:      rawJSON(m.PreviousData),
		UserModifications: rawJSON(m.UserModifications),
		FinalData:         rawJSON(m.FinalData),
		ExecutionResult:   rawJSON(m.ExecutionResult),
		Status:            types.ActionStatus(m.Status),
		RejectionReason:   m.RejectionReason,
		ReviewedBy:        m.ReviewedBy,
		ReviewedAt:        m.ReviewedAt,
		ExecutedAt:        m.ExecutedAt,
		ExpiresAt:         m.ExpiresAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
