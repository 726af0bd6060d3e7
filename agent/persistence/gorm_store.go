package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/roundtable/types"
)

// GormConversationStore 基于 gorm 的会话存储，支持 postgres / mysql / sqlite。
// 序号通过对会话行执行 last_sequence = last_sequence + 1 在事务内分配，
// 行锁保证并发写入不会拿到相同序号。
type GormConversationStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewGormConversationStore 创建 gorm 会话存储
func NewGormConversationStore(db *gorm.DB, logger *zap.Logger) *GormConversationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormConversationStore{
		db:     db,
		logger: logger.With(zap.String("component", "conversation_store")),
		now:    time.Now,
	}
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *GormConversationStore) Close() error { return nil }

// Ping checks the underlying connection.
func (s *GormConversationStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormConversationStore) CreateConversation(ctx context.Context, conv *types.Conversation, participants []*types.Participant) error {
	if conv == nil {
		return ErrInvalidInput
	}
	now := s.now()
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Status == "" {
		conv.Status = types.ConversationActive
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	models := make([]*participantModel, 0, len(participants))
	for i, p := range participants {
		if p == nil || p.Identity.IsZero() {
			return ErrInvalidInput
		}
		p.ConversationID = conv.ID
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		if p.Role == "" {
			p.Role = types.RoleParticipant
		}
		p.IsActive = true
		models = append(models, toParticipantModel(p))
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toConversationModel(conv)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("create conversation: %w", err)
		}
		if len(models) > 0 {
			if err := tx.Create(&models).Error; err != nil {
				return fmt.Errorf("create participants: %w", err)
			}
		}
		return nil
	})
}

func (s *GormConversationStore) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	var m conversationModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, conversationNotFound(conversationID)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return m.toDomain(), nil
}

func (s *GormConversationStore) UpdateConversation(ctx context.Context, conversationID string, fn func(*types.Conversation) error) (*types.Conversation, error) {
	var out *types.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m conversationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return conversationNotFound(conversationID)
			}
			return err
		}
		draft := m.toDomain()
		if err := fn(draft); err != nil {
			return err
		}
		draft.UpdatedAt = s.now()
		updated := toConversationModel(draft)
		if err := tx.Model(&conversationModel{ID: conversationID}).
			Select("title", "mode", "moderated_selection", "status", "max_turns", "max_tokens", "emergent_settings", "updated_at").
			Updates(updated).Error; err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		m.Title, m.Mode, m.ModeratedSelection, m.Status = updated.Title, updated.Mode, updated.ModeratedSelection, updated.Status
		m.MaxTurns, m.MaxTokens, m.EmergentSettings, m.UpdatedAt = updated.MaxTurns, updated.MaxTokens, updated.EmergentSettings, updated.UpdatedAt
		out = m.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormConversationStore) AddParticipant(ctx context.Context, p *types.Participant) error {
	if p == nil || p.Identity.IsZero() || p.ConversationID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&conversationModel{}).Where("id = ?", p.ConversationID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return conversationNotFound(p.ConversationID)
		}

		now := s.now()
		var existing participantModel
		err := tx.Where("conversation_id = ? AND sender_type = ? AND sender_id = ?",
			p.ConversationID, string(p.Identity.Kind()), p.Identity.ID()).First(&existing).Error
		switch {
		case err == nil:
			if existing.IsActive {
				return ErrAlreadyExists
			}
			existing.IsActive = true
			existing.LeftAt = nil
			existing.JoinedAt = now
			if p.Role != "" {
				existing.Role = string(p.Role)
			}
			if p.DisplayName != "" {
				existing.DisplayName = p.DisplayName
			}
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("reactivate participant: %w", err)
			}
			reactivated, err := existing.toDomain()
			if err != nil {
				return err
			}
			*p = *reactivated
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		if p.Role == "" {
			p.Role = types.RoleParticipant
		}
		p.IsActive = true
		return tx.Create(toParticipantModel(p)).Error
	})
}

func (s *GormConversationStore) DeactivateParticipant(ctx context.Context, conversationID string, identity types.Sender) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&participantModel{}).
		Where("conversation_id = ? AND sender_type = ? AND sender_id = ? AND is_active = ?",
			conversationID, string(identity.Kind()), identity.ID(), true).
		Updates(map[string]any{"is_active": false, "left_at": now})
	if res.Error != nil {
		return fmt.Errorf("deactivate participant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return participantNotFound(conversationID, identity)
	}
	return nil
}

func (s *GormConversationStore) GetParticipant(ctx context.Context, conversationID string, identity types.Sender) (*types.Participant, error) {
	m, err := s.participant(s.db.WithContext(ctx), conversationID, identity)
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

func (s *GormConversationStore) participant(tx *gorm.DB, conversationID string, identity types.Sender) (*participantModel, error) {
	var m participantModel
	err := tx.Where("conversation_id = ? AND sender_type = ? AND sender_id = ?",
		conversationID, string(identity.Kind()), identity.ID()).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, participantNotFound(conversationID, identity)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *GormConversationStore) ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]*types.Participant, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var models []participantModel
	if err := q.Order("joined_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	out := make([]*types.Participant, 0, len(models))
	for i := range models {
		p, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *GormConversationStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.ConversationID == "" || msg.Sender.IsZero() {
		return ErrInvalidInput
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Status == "" {
		msg.Status = types.MessageSent
	}

	updates := map[string]any{"last_sequence": gorm.Expr("last_sequence + ?", 1)}
	if countsTowardTotals(msg) {
		updates["message_count"] = gorm.Expr("message_count + ?", 1)
		updates["last_message_at"] = msg.CreatedAt
		updates["updated_at"] = s.now()
		if msg.IsAgentMessage() {
			updates["response_count"] = gorm.Expr("response_count + ?", 1)
			updates["total_tokens"] = gorm.Expr("total_tokens + ?", msg.TokensUsed)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationModel{}).Where("id = ?", msg.ConversationID).UpdateColumns(updates)
		if res.Error != nil {
			return sequenceUnavailable(res.Error)
		}
		if res.RowsAffected == 0 {
			return conversationNotFound(msg.ConversationID)
		}

		var seq int64
		if err := tx.Model(&conversationModel{}).Select("last_sequence").
			Where("id = ?", msg.ConversationID).Scan(&seq).Error; err != nil {
			return sequenceUnavailable(err)
		}
		msg.SequenceNumber = seq

		m, err := toMessageModel(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if err := tx.Create(m).Error; err != nil {
			return sequenceUnavailable(err)
		}
		return nil
	})
	if err != nil {
		msg.SequenceNumber = 0
		s.logger.Warn("append message failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err))
		return err
	}
	return nil
}

func sequenceUnavailable(err error) error {
	return types.NewError(types.ErrSequenceUnavailable, "could not assign sequence number").
		WithCause(err).WithRetryable(true).WithHTTPStatus(503)
}

func (s *GormConversationStore) GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error) {
	var m messageModel
	err := s.db.WithContext(ctx).Where("conversation_id = ? AND id = ?", conversationID, messageID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, messageNotFound(messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m.toDomain()
}

func (s *GormConversationStore) TransitionMessage(ctx context.Context, conversationID, messageID string, from, to types.MessageStatus) (*types.Message, error) {
	res := s.db.WithContext(ctx).Model(&messageModel{}).
		Where("conversation_id = ? AND id = ? AND status = ?", conversationID, messageID, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return nil, fmt.Errorf("transition message: %w", res.Error)
	}
	current, err := s.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, invalidTransition("message", messageID, from, current.Status)
	}
	return current, nil
}

func (s *GormConversationStore) ListMessagesAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*types.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence_number > ?", conversationID, afterSeq).
		Order("sequence_number ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []messageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messagesToDomain(models)
}

func (s *GormConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_inner_dialogue = ? AND status IN ?",
			conversationID, false, []string{string(types.MessageSent), string(types.MessageFailed)}).
		Order("sequence_number DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []messageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
		models[i], models[j] = models[j], models[i]
	}
	return messagesToDomain(models)
}

func messagesToDomain(models []messageModel) ([]*types.Message, error) {
	out := make([]*types.Message, 0, len(models))
	for i := range models {
		m, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *GormConversationStore) MarkRead(ctx context.Context, conversationID string, identity types.Sender, messageID string) (*types.Participant, error) {
	var out *types.Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.participant(tx, conversationID, identity)
		if err != nil {
			return err
		}
		if !p.IsActive {
			return participantNotFound(conversationID, identity)
		}
		var msg messageModel
		err = tx.Select("id", "sequence_number").
			Where("conversation_id = ? AND id = ?", conversationID, messageID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return messageNotFound(messageID)
		}
		if err != nil {
			return err
		}

		// conditional update keeps the cursor monotonic under concurrent reads
		if err := tx.Model(&participantModel{}).
			Where("id = ? AND last_seen_sequence < ?", p.ID, msg.SequenceNumber).
			Updates(map[string]any{"last_seen_sequence": msg.SequenceNumber, "last_seen_message_id": msg.ID}).Error; err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		if msg.SequenceNumber > p.LastSeenSequence {
			p.LastSeenSequence = msg.SequenceNumber
			p.LastSeenMessageID = msg.ID
		}
		out, err = p.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormConversationStore) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	identity := types.UserSender(userID)
	p, err := s.participant(s.db.WithContext(ctx), conversationID, identity)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&messageModel{}).
		Where("conversation_id = ? AND sequence_number > ? AND is_inner_dialogue = ? AND status IN ?",
			conversationID, p.LastSeenSequence, false,
			[]string{string(types.MessageSent), string(types.MessageFailed)}).
		Where("NOT (sender_type = ? AND sender_id = ?)", string(types.SenderUser), userID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}
