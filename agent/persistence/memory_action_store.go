package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/roundtable/types"
)

// MemoryActionStore 是 ActionStore 的内存实现
type MemoryActionStore struct {
	mu      sync.RWMutex
	actions map[string]*types.PendingAction
	now     func() time.Time
}

// NewMemoryActionStore 创建内存待审批操作存储
func NewMemoryActionStore() *MemoryActionStore {
	return &MemoryActionStore{
		actions: make(map[string]*types.PendingAction),
		now:     time.Now,
	}
}

func (s *MemoryActionStore) CreateAction(ctx context.Context, a *types.PendingAction) error {
	if a == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, exists := s.actions[a.ID]; exists {
		return ErrAlreadyExists
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.actions[a.ID] = cloneAction(a)
	return nil
}

func (s *MemoryActionStore) GetAction(ctx context.Context, id string) (*types.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, actionNotFound(id)
	}
	return cloneAction(a), nil
}

func (s *MemoryActionStore) UpdateAction(ctx context.Context, a *types.PendingAction, expected types.ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.actions[a.ID]
	if !ok {
		return actionNotFound(a.ID)
	}
	if current.Status != expected {
		return invalidTransition("pending action", a.ID, expected, current.Status)
	}
	a.CreatedAt = current.CreatedAt
	a.UpdatedAt = s.now()
	s.actions[a.ID] = cloneAction(a)
	return nil
}

func (s *MemoryActionStore) ListActions(ctx context.Context, filter types.ActionFilter) ([]*types.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.PendingAction, 0)
	for _, a := range s.actions {
		if filter.Matches(a) {
			out = append(out, cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneAction(a *types.PendingAction) *types.PendingAction {
	cp := *a
	cp.ProposedData = cloneRaw(a.ProposedData)
	cp.PreviousData = cloneRaw(a.PreviousData)
	cp.UserModifications = cloneRaw(a.UserModifications)
	cp.FinalData = cloneRaw(a.FinalData)
	cp.ExecutionResult = cloneRaw(a.ExecutionResult)
	return &cp
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
