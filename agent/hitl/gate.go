package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

// ErrInvalidTransition is the cause of every rejected status change.
var ErrInvalidTransition = errors.New("invalid pending action transition")

// Recorder receives gate metrics.
type Recorder interface {
	RecordActionTransition(from, to types.ActionStatus)
}

type nopRecorder struct{}

func (nopRecorder) RecordActionTransition(types.ActionStatus, types.ActionStatus) {}

// Handler is called after an action reaches a new status.
type Handler func(ctx context.Context, action *types.PendingAction)

// Config tunes the gate.
type Config struct {
	// TTL sets ExpiresAt on new proposals that carry none. Zero disables expiry.
	TTL time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithSnapshotter enables previous-state capture and conflict checks.
func WithSnapshotter(s Snapshotter) Option {
	return func(g *Gate) { g.snapshots = s }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate holds agent-proposed mutations until a human decides on them.
type Gate struct {
	store     persistence.ActionStore
	applier   Applier
	snapshots Snapshotter
	cfg       Config
	recorder  Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[types.ActionStatus][]Handler
}

// NewGate creates a gate over store that executes through applier.
func NewGate(store persistence.ActionStore, applier Applier, cfg Config, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		store:    store,
		applier:  applier,
		cfg:      cfg,
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "action_gate")),
		tracer:   otel.Tracer("roundtable/hitl"),
		now:      time.Now,
		handlers: make(map[types.ActionStatus][]Handler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterHandler subscribes h to actions entering status.
func (g *Gate) RegisterHandler(status types.ActionStatus, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[status] = append(g.handlers[status], h)
}

// Propose stores draft as a new Pending action.
func (g *Gate) Propose(ctx context.Context, draft *types.PendingAction) (*types.PendingAction, error) {
	if draft == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "pending action is required").WithHTTPStatus(400)
	}
	a := *draft
	if !a.ActionType.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown action type %q", a.ActionType)).WithHTTPStatus(400)
	}
	if strings.TrimSpace(a.EntityType) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "entity type is required").WithHTTPStatus(400)
	}
	if a.ActionType != types.ActionCreate && a.EntityID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("%s requires an entity id", a.ActionType)).WithHTTPStatus(400)
	}
	if len(a.ProposedData) == 0 {
		a.ProposedData = json.RawMessage(`{}`)
	}
	if !json.Valid(a.ProposedData) {
		return nil, types.NewError(types.ErrInvalidRequest, "proposed data is not valid JSON").WithHTTPStatus(400)
	}

	now := g.now()
	a.Status = types.ActionPending
	a.CreatedAt = now
	a.ReviewedBy, a.RejectionReason = "", ""
	a.ReviewedAt, a.ExecutedAt = nil, nil
	a.FinalData, a.UserModifications, a.ExecutionResult = nil, nil, nil
	if a.ExpiresAt == nil && g.cfg.TTL > 0 {
		exp := now.Add(g.cfg.TTL)
		a.ExpiresAt = &exp
	}
	if a.ActionType == types.ActionUpdate && g.snapshots != nil && len(a.PreviousData) == 0 {
		prev, err := g.snapshots.Snapshot(ctx, a.EntityType, a.EntityID)
		if err != nil {
			g.logger.Warn("snapshot before proposal failed",
				zap.String("entity_type", a.EntityType),
				zap.String("entity_id", a.EntityID),
				zap.Error(err))
		} else {
			a.PreviousData = prev
		}
	}

	if err := g.store.CreateAction(ctx, &a); err != nil {
		return nil, fmt.Errorf("create pending action: %w", err)
	}
	g.recorder.RecordActionTransition("", types.ActionPending)
	g.logger.Info("action proposed",
		zap.String("action_id", a.ID),
		zap.String("action_type", string(a.ActionType)),
		zap.String("entity_type", a.EntityType),
		zap.String("agent_id", a.AgentID))
	g.notify(ctx, &a)
	return &a, nil
}

// Get returns one action.
func (g *Gate) Get(ctx context.Context, id string) (*types.PendingAction, error) {
	return g.store.GetAction(ctx, id)
}

// Approve accepts the proposal as-is and executes it.
func (g *Gate) Approve(ctx context.Context, id, reviewer string) (*types.PendingAction, error) {
	return g.decide(ctx, id, reviewer, types.ActionApproved, func(a *types.PendingAction) error {
		a.FinalData = a.ProposedData
		return nil
	})
}

// ApproveWithModifications overlays the reviewer's fields on the proposal and
// executes the result.
func (g *Gate) ApproveWithModifications(ctx context.Context, id, reviewer string, modifications json.RawMessage) (*types.PendingAction, error) {
	return g.decide(ctx, id, reviewer, types.ActionModified, func(a *types.PendingAction) error {
		final, err := Overlay(a.ProposedData, modifications)
		if err != nil {
			return types.NewError(types.ErrInvalidRequest, "modifications must be a JSON object").
				WithCause(err).WithHTTPStatus(400)
		}
		a.UserModifications = modifications
		a.FinalData = final
		return nil
	})
}

// Reject closes the proposal without executing it. reason is required.
func (g *Gate) Reject(ctx context.Context, id, reviewer, reason string) (*types.PendingAction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, types.NewError(types.ErrRejectionReasonRequired, "a rejection reason is required").WithHTTPStatus(400)
	}
	return g.decide(ctx, id, reviewer, types.ActionRejected, func(a *types.PendingAction) error {
		a.RejectionReason = reason
		return nil
	})
}

func (g *Gate) decide(ctx context.Context, id, reviewer string, to types.ActionStatus, mutate func(*types.PendingAction) error) (*types.PendingAction, error) {
	ctx, span := g.tracer.Start(ctx, "hitl.decide", trace.WithAttributes(
		attribute.String("action_id", id),
		attribute.String("decision", string(to)),
	))
	defer span.End()

	a, err := g.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	now := g.now()
	if a.IsExpiredAt(now) {
		g.expire(ctx, a)
		return nil, transitionError(a.ID, a.Status, to, "proposal has expired")
	}
	if !a.Status.CanTransitionTo(to) {
		return nil, transitionError(a.ID, a.Status, to, "")
	}
	if err := mutate(a); err != nil {
		return nil, err
	}
	from := a.Status
	a.Status = to
	a.ReviewedBy = reviewer
	a.ReviewedAt = &now
	if err := g.store.UpdateAction(ctx, a, from); err != nil {
		return nil, err
	}
	g.recorder.RecordActionTransition(from, to)
	g.logger.Info("action reviewed",
		zap.String("action_id", a.ID),
		zap.String("status", string(to)),
		zap.String("reviewed_by", reviewer))
	g.notify(ctx, a)

	if to == types.ActionRejected {
		return a, nil
	}
	a = g.execute(ctx, a)
	if a.Status == types.ActionFailed {
		span.SetStatus(codes.Error, "execution failed")
	}
	return a, nil
}

// execute applies an approved action once. The outcome is recorded on the
// action; failures are never retried.
func (g *Gate) execute(ctx context.Context, a *types.PendingAction) *types.PendingAction {
	from := a.Status
	var (
		entityID string
		err      error
	)
	if conflict := g.checkConflict(ctx, a); conflict != nil {
		err = conflict
	} else {
		entityID, err = g.applier.Apply(ctx, a.EntityType, a.ActionType, a.EntityID, a.FinalData)
	}

	now := g.now()
	res := executionResult{EntityID: entityID}
	if err != nil {
		a.Status = types.ActionFailed
		res.Error = err.Error()
		var applyErr *ApplyError
		if errors.As(err, &applyErr) {
			res.ErrorKind = applyErr.Kind
		}
		g.logger.Error("action execution failed",
			zap.String("action_id", a.ID),
			zap.String("entity_type", a.EntityType),
			zap.String("entity_id", a.EntityID),
			zap.Error(err))
	} else {
		a.Status = types.ActionExecuted
		a.ExecutedAt = &now
		if a.EntityID == "" {
			a.EntityID = entityID
		}
		g.logger.Info("action executed",
			zap.String("action_id", a.ID),
			zap.String("entity_id", entityID))
	}
	a.ExecutionResult, _ = json.Marshal(res)

	// the outcome is recorded even if the caller has gone away
	if uerr := g.store.UpdateAction(context.WithoutCancel(ctx), a, from); uerr != nil {
		g.logger.Error("record execution outcome failed",
			zap.String("action_id", a.ID),
			zap.Error(uerr))
		return a
	}
	g.recorder.RecordActionTransition(from, a.Status)
	g.notify(ctx, a)
	return a
}

func (g *Gate) checkConflict(ctx context.Context, a *types.PendingAction) error {
	if a.ActionType != types.ActionUpdate || g.snapshots == nil || len(a.PreviousData) == 0 {
		return nil
	}
	current, err := g.snapshots.Snapshot(ctx, a.EntityType, a.EntityID)
	if err != nil {
		var applyErr *ApplyError
		if errors.As(err, &applyErr) {
			return err
		}
		return &ApplyError{Kind: ApplyNotFound, Message: "read current entity state", Cause: err}
	}
	if !sameJSON(current, a.PreviousData) {
		return &ApplyError{Kind: ApplyConcurrentModification, Message: fmt.Sprintf("%s %s changed since the proposal was made", a.EntityType, a.EntityID)}
	}
	return nil
}

// ExpireStale marks every pending action past its expiry as Expired and
// returns how many were changed.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	now := g.now()
	stale, err := g.store.ListActions(ctx, types.ActionFilter{
		Statuses:      []types.ActionStatus{types.ActionPending},
		ExpiresBefore: now,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired actions: %w", err)
	}
	n := 0
	for _, a := range stale {
		if g.expire(ctx, a) {
			n++
		}
	}
	return n, nil
}

func (g *Gate) expire(ctx context.Context, a *types.PendingAction) bool {
	a.Status = types.ActionExpired
	if err := g.store.UpdateAction(ctx, a, types.ActionPending); err != nil {
		// a concurrent review won the race
		if !types.IsErrorCode(err, types.ErrInvalidTransition) {
			g.logger.Warn("expire action failed", zap.String("action_id", a.ID), zap.Error(err))
		}
		return false
	}
	g.recorder.RecordActionTransition(types.ActionPending, types.ActionExpired)
	g.notify(ctx, a)
	return true
}

// ListActive returns actions awaiting review, oldest first. Expired and
// decided actions are excluded even before the sweeper runs.
func (g *Gate) ListActive(ctx context.Context, organizationID, conversationID string) ([]*types.PendingAction, error) {
	all, err := g.store.ListActions(ctx, types.ActionFilter{
		OrganizationID: organizationID,
		ConversationID: conversationID,
		Statuses:       []types.ActionStatus{types.ActionPending},
	})
	if err != nil {
		return nil, err
	}
	now := g.now()
	out := all[:0]
	for _, a := range all {
		if a.AwaitingReview(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// History returns every action ever proposed against one entity.
func (g *Gate) History(ctx context.Context, organizationID, entityType, entityID string) ([]*types.PendingAction, error) {
	return g.store.ListActions(ctx, types.ActionFilter{
		OrganizationID: organizationID,
		EntityType:     entityType,
		EntityID:       entityID,
	})
}

func (g *Gate) notify(ctx context.Context, a *types.PendingAction) {
	g.mu.RLock()
	handlers := g.handlers[a.Status]
	g.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, a)
	}
}

func transitionError(id string, from, to types.ActionStatus, detail string) error {
	msg := fmt.Sprintf("pending action %s cannot move from %s to %s", id, from, to)
	if detail != "" {
		msg += ": " + detail
	}
	return types.NewError(types.ErrInvalidTransition, msg).
		WithCause(ErrInvalidTransition).WithHTTPStatus(409)
}
