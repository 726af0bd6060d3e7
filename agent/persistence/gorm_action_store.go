package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/roundtable/types"
)

// GormActionStore 基于 gorm 的待审批操作存储
type GormActionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormActionStore 创建待审批操作存储
func NewGormActionStore(db *gorm.DB) *GormActionStore {
	return &GormActionStore{db: db, now: time.Now}
}

func (s *GormActionStore) CreateAction(ctx context.Context, a *types.PendingAction) error {
	if a == nil {
		return ErrInvalidInput
	}
	now := s.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(toActionModel(a)).Error; err != nil {
		return fmt.Errorf("create pending action: %w", err)
	}
	return nil
}

func (s *GormActionStore) GetAction(ctx context.Context, id string) (*types.PendingAction, error) {
	var m pendingActionModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, actionNotFound(id)
		}
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	return m.toDomain(), nil
}

// UpdateAction saves a only if the stored status still equals expected.
func (s *GormActionStore) UpdateAction(ctx context.Context, a *types.PendingAction, expected types.ActionStatus) error {
	a.UpdatedAt = s.now()
	res := s.db.WithContext(ctx).Model(&pendingActionModel{}).
		Where("id = ? AND status = ?", a.ID, string(expected)).
		Select("*").Omit("id", "created_at").
		Updates(toActionModel(a))
	if res.Error != nil {
		return fmt.Errorf("update pending action: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	current, err := s.GetAction(ctx, a.ID)
	if err != nil {
		return err
	}
	return invalidTransition("pending action", a.ID, expected, current.Status)
}

func (s *GormActionStore) ListActions(ctx context.Context, filter types.ActionFilter) ([]*types.PendingAction, error) {
	q := s.db.WithContext(ctx).Model(&pendingActionModel{})
	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.ConversationID != "" {
		q = q.Where("conversation_id = ?", filter.ConversationID)
	}
	if filter.EntityType != "" {
		q = q.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		q = q.Where("entity_id = ?", filter.EntityID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if !filter.ExpiresBefore.IsZero() {
		q = q.Where("expires_at IS NOT NULL AND expires_at <= ?", filter.ExpiresBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []pendingActionModel
	if err := q.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	out := make([]*types.PendingAction, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out, nil
}
