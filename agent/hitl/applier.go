package hitl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/roundtable/types"
)

// ApplyErrorKind classifies domain write failures.
type ApplyErrorKind string

const (
	ApplyNotFound               ApplyErrorKind = "not_found"
	ApplyValidationFailed       ApplyErrorKind = "validation_failed"
	ApplyConcurrentModification ApplyErrorKind = "concurrent_modification"
)

// ApplyError is returned by an Applier when the domain store refuses a write.
type ApplyError struct {
	Kind    ApplyErrorKind
	Message string
	Cause   error
}

func (e *ApplyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ApplyError) Unwrap() error { return e.Cause }

// Applier performs an approved mutation against the domain store. Each call
// is one single-entity transaction; the returned id is the affected entity.
type Applier interface {
	Apply(ctx context.Context, entityType string, action types.ActionType, entityID string, data json.RawMessage) (string, error)
}

// Snapshotter reads the current state of an entity. When configured, the
// gate records it as PreviousData on update proposals and compares it again
// before executing.
type Snapshotter interface {
	Snapshot(ctx context.Context, entityType, entityID string) (json.RawMessage, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, entityType string, action types.ActionType, entityID string, data json.RawMessage) (string, error)

func (f ApplierFunc) Apply(ctx context.Context, entityType string, action types.ActionType, entityID string, data json.RawMessage) (string, error) {
	return f(ctx, entityType, action, entityID, data)
}

// executionResult is the JSON stored in PendingAction.ExecutionResult.
type executionResult struct {
	EntityID  string         `json:"entity_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ApplyErrorKind `json:"error_kind,omitempty"`
}
