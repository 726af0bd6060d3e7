package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/BaSui01/roundtable/types"
)

// MemoryEntities is an in-process domain store keyed by entity type and id.
// It implements Applier and Snapshotter for local runs and tests.
type MemoryEntities struct {
	mu       sync.RWMutex
	entities map[string]map[string]json.RawMessage
	// Validate, when set, can reject final data before it is written.
	Validate func(entityType string, data json.RawMessage) error
}

// NewMemoryEntities creates an empty store.
func NewMemoryEntities() *MemoryEntities {
	return &MemoryEntities{entities: make(map[string]map[string]json.RawMessage)}
}

// Put writes an entity directly, bypassing the gate.
func (m *MemoryEntities) Put(entityType, id string, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(entityType)[id] = append(json.RawMessage(nil), data...)
}

func (m *MemoryEntities) Snapshot(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entities[entityType][entityID]
	if !ok {
		return nil, &ApplyError{Kind: ApplyNotFound, Message: fmt.Sprintf("%s %s does not exist", entityType, entityID)}
	}
	return append(json.RawMessage(nil), data...), nil
}

func (m *MemoryEntities) Apply(ctx context.Context, entityType string, action types.ActionType, entityID string, data json.RawMessage) (string, error) {
	if m.Validate != nil && action != types.ActionDelete {
		if err := m.Validate(entityType, data); err != nil {
			return "", &ApplyError{Kind: ApplyValidationFailed, Message: "final data rejected", Cause: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.bucket(entityType)

	switch action {
	case types.ActionCreate:
		if entityID == "" {
			entityID = uuid.New().String()
		}
		if _, exists := bucket[entityID]; exists {
			return "", &ApplyError{Kind: ApplyConcurrentModification, Message: fmt.Sprintf("%s %s already exists", entityType, entityID)}
		}
		bucket[entityID] = append(json.RawMessage(nil), data...)
	case types.ActionUpdate:
		current, ok := bucket[entityID]
		if !ok {
			return "", &ApplyError{Kind: ApplyNotFound, Message: fmt.Sprintf("%s %s does not exist", entityType, entityID)}
		}
		merged, err := Overlay(current, data)
		if err != nil {
			return "", &ApplyError{Kind: ApplyValidationFailed, Message: "merge update", Cause: err}
		}
		bucket[entityID] = merged
	case types.ActionDelete:
		if _, ok := bucket[entityID]; !ok {
			return "", &ApplyError{Kind: ApplyNotFound, Message: fmt.Sprintf("%s %s does not exist", entityType, entityID)}
		}
		delete(bucket, entityID)
	default:
		return "", &ApplyError{Kind: ApplyValidationFailed, Message: fmt.Sprintf("unknown action %q", action)}
	}
	return entityID, nil
}

func (m *MemoryEntities) bucket(entityType string) map[string]json.RawMessage {
	b, ok := m.entities[entityType]
	if !ok {
		b = make(map[string]json.RawMessage)
		m.entities[entityType] = b
	}
	return b
}
