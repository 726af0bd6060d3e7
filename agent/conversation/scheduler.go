package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/agent/relevance"
	"github.com/BaSui01/roundtable/types"
)

// Scorer rates Emergent-mode candidates. *relevance.Scorer implements it.
type Scorer interface {
	Score(ctx context.Context, req relevance.Request) []relevance.Decision
}

// Notifier delivers loop output to connected clients. Message events are
// called from the outbox worker of the conversation, in sequence order.
type Notifier interface {
	MessageCreated(ctx context.Context, conv *types.Conversation, msg *types.Message)
	ConversationChanged(ctx context.Context, conv *types.Conversation)
	ActionProposed(ctx context.Context, conv *types.Conversation, action *types.PendingAction)
}

// ActionProposer turns a drafted mutation into a pending action.
type ActionProposer interface {
	Propose(ctx context.Context, draft *types.PendingAction) (*types.PendingAction, error)
}

// Recorder receives loop metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordRound(mode string)
	RecordLoopStop(mode, reason string, rounds int, duration time.Duration)
	RecordInvocation(agentID, outcome string, duration time.Duration, tokens int, costCents float64)
	RecordScoring(classification string)
	RecordSettingsFallback()
}

type nopNotifier struct{}

func (nopNotifier) MessageCreated(context.Context, *types.Conversation, *types.Message) {}
func (nopNotifier) ConversationChanged(context.Context, *types.Conversation)            {}
func (nopNotifier) ActionProposed(context.Context, *types.Conversation, *types.PendingAction) {
}

type nopRecorder struct{}

func (nopRecorder) RecordRound(string)                                           {}
func (nopRecorder) RecordLoopStop(string, string, int, time.Duration)            {}
func (nopRecorder) RecordInvocation(string, string, time.Duration, int, float64) {}
func (nopRecorder) RecordScoring(string)                                         {}
func (nopRecorder) RecordSettingsFallback()                                      {}

// SchedulerConfig bounds the round loop.
type SchedulerConfig struct {
	// DefaultEmergent is used when an Emergent conversation has no settings.
	DefaultEmergent types.EmergentSettings
	// SafetyRoundCap limits reaction rounds for modes without an explicit
	// round limit (Free, OnDemand, Moderated).
	SafetyRoundCap           int
	InvocationTimeout        time.Duration
	MaxConcurrentInvocations int
	// TranscriptMessages is how many recent messages agents and the scorer see.
	TranscriptMessages  int
	RecordInnerDialogue bool
}

// DefaultSchedulerConfig returns the stock loop bounds.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DefaultEmergent:          types.ConservativeEmergentSettings(),
		SafetyRoundCap:           2,
		InvocationTimeout:        90 * time.Second,
		MaxConcurrentInvocations: 4,
		TranscriptMessages:       30,
	}
}

// SchedulerOption customizes a TurnScheduler.
type SchedulerOption func(*TurnScheduler)

func WithScorer(sc Scorer) SchedulerOption { return func(s *TurnScheduler) { s.scorer = sc } }

func WithNotifier(n Notifier) SchedulerOption { return func(s *TurnScheduler) { s.notifier = n } }

func WithProposer(p ActionProposer) SchedulerOption { return func(s *TurnScheduler) { s.proposer = p } }

func WithRecorder(r Recorder) SchedulerOption { return func(s *TurnScheduler) { s.recorder = r } }

func WithClock(now func() time.Time) SchedulerOption { return func(s *TurnScheduler) { s.now = now } }

// TurnScheduler drives the round loop for one triggering message at a time.
// It is safe for concurrent use across conversations.
type TurnScheduler struct {
	store    persistence.ConversationStore
	agents   AgentDirectory
	invoker  AgentInvoker
	scorer   Scorer
	notifier Notifier
	proposer ActionProposer
	recorder Recorder
	outbox   *Outbox
	tracer   trace.Tracer
	cfg      SchedulerConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewTurnScheduler creates a scheduler.
func NewTurnScheduler(store persistence.ConversationStore, agents AgentDirectory, invoker AgentInvoker, cfg SchedulerConfig, logger *zap.Logger, opts ...SchedulerOption) *TurnScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSchedulerConfig()
	if cfg.SafetyRoundCap < 0 {
		cfg.SafetyRoundCap = 0
	}
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = def.InvocationTimeout
	}
	if cfg.MaxConcurrentInvocations <= 0 {
		cfg.MaxConcurrentInvocations = def.MaxConcurrentInvocations
	}
	if cfg.TranscriptMessages <= 0 {
		cfg.TranscriptMessages = def.TranscriptMessages
	}
	if cfg.DefaultEmergent.MaxResponsesPerRound == 0 {
		cfg.DefaultEmergent = def.DefaultEmergent
	}
	s := &TurnScheduler{
		store:    store,
		agents:   agents,
		invoker:  invoker,
		notifier: nopNotifier{},
		recorder: nopRecorder{},
		outbox:   NewOutbox(logger),
		tracer:   otel.Tracer("roundtable/conversation"),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "turn_scheduler")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoopRequest starts a round loop.
type LoopRequest struct {
	Trigger *types.Message
	// Abort cancels in-flight invocations when done. Cancelling the context
	// passed to Run only prevents further rounds.
	Abort context.Context
}

// LoopResult summarizes a finished round loop.
type LoopResult struct {
	TriggerMessageID string
	Mode             types.ConversationMode
	Rounds           int
	StopReason       StopReason
	// Messages are the agent messages persisted by the loop, in sequence order.
	Messages []*types.Message
	// Decisions holds the scoring decisions per round in Emergent mode.
	Decisions [][]relevance.Decision
	// SettingsFallback is set when malformed Emergent settings forced Free mode.
	SettingsFallback bool
	States           []LoopState
}

// loopPlan is fixed when the loop starts.
type loopPlan struct {
	conv      *types.Conversation
	mode      types.ConversationMode
	moderated bool
	settings  types.EmergentSettings
	maxRounds int
	fallback  bool
}

// Run executes the round loop for a triggering message. It returns an error
// only when the loop could not start or persistence failed mid-loop; agent
// failures are recorded as Failed messages.
func (s *TurnScheduler) Run(ctx context.Context, req LoopRequest) (*LoopResult, error) {
	if req.Trigger == nil || req.Trigger.ConversationID == "" {
		return nil, fmt.Errorf("trigger message is required")
	}
	trigger := req.Trigger
	started := s.now()

	ctx, span := s.tracer.Start(ctx, "conversation.loop", trace.WithAttributes(
		attribute.String("conversation.id", trigger.ConversationID),
		attribute.String("message.id", trigger.ID),
	))
	defer span.End()

	conv, err := s.store.GetConversation(ctx, trigger.ConversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	plan := s.plan(conv)
	span.SetAttributes(attribute.String("conversation.mode", string(plan.mode)))

	// invocations and persistence outlive the loop context
	work := context.WithoutCancel(ctx)
	if req.Abort != nil {
		var cancel context.CancelFunc
		work, cancel = context.WithCancel(work)
		defer cancel()
		stop := context.AfterFunc(req.Abort, cancel)
		defer stop()
	}

	// 返回前等待本轮已发布消息投递完成；中止时不再等待
	var delivered <-chan struct{}
	defer func() {
		if delivered == nil {
			return
		}
		select {
		case <-delivered:
		case <-work.Done():
		}
	}()

	result := &LoopResult{
		TriggerMessageID: trigger.ID,
		Mode:             plan.mode,
		SettingsFallback: plan.fallback,
	}
	machine := NewMachine()
	defer func() {
		result.States = machine.History()
		s.recorder.RecordLoopStop(string(plan.mode), string(result.StopReason), result.Rounds, s.now().Sub(started))
		span.SetAttributes(
			attribute.String("loop.stop_reason", string(result.StopReason)),
			attribute.Int("loop.rounds", result.Rounds),
		)
	}()

	state := RoundState{
		Responded:   make(map[string]int),
		AllowRepeat: plan.mode == types.ModeEmergent && plan.settings.AllowMultipleResponses,
	}
	acknowledged := make(map[string]bool)
	var replies []*types.Message

	for round := 0; ; round++ {
		if round > 0 {
			if err := machine.Advance(StateNextRound); err != nil {
				return result, err
			}
		}

		reason, err := s.checkStop(ctx, trigger.ConversationID)
		if err != nil {
			result.StopReason = StopStorageError
			_ = machine.Finish()
			return result, err
		}
		if reason == "" && round >= plan.maxRounds {
			reason = StopRoundCap
		}
		if reason != "" {
			result.StopReason = reason
			_ = machine.Finish()
			return result, nil
		}

		_ = machine.Advance(StateRouting)
		state.Round = round
		roster, err := s.roster(work, trigger.ConversationID)
		if err != nil {
			result.StopReason = StopStorageError
			_ = machine.Finish()
			return result, err
		}
		rosterIDs := make([]string, len(roster))
		for i, a := range roster {
			rosterIDs[i] = a.Agent.ID
		}
		routed := Route(plan.mode, trigger, rosterIDs, state)
		if len(routed) == 0 {
			result.StopReason = StopCompleted
			if round == 0 {
				result.StopReason = StopNoCandidates
			}
			_ = machine.Finish()
			return result, nil
		}
		candidates := pick(roster, routed)

		transcript, err := s.store.RecentMessages(work, trigger.ConversationID, s.cfg.TranscriptMessages)
		if err != nil {
			result.StopReason = StopStorageError
			_ = machine.Finish()
			return result, err
		}

		var respond, acknowledge []relevance.Candidate
		if plan.mode == types.ModeEmergent {
			_ = machine.Advance(StateScoring)
			decisions := s.score(work, plan, trigger, transcript, replies, candidates)
			result.Decisions = append(result.Decisions, decisions)
			sel := relevance.Select(decisions, plan.settings.MaxResponsesPerRound)
			for _, d := range sel.Respond {
				respond = append(respond, d.Candidate)
			}
			for _, d := range sel.Acknowledge {
				if acknowledged[d.AgentID] {
					continue
				}
				acknowledge = append(acknowledge, d.Candidate)
			}
			s.recordInnerDialogue(work, trigger, round, types.InnerDialogueScoring, decisions)
			if len(respond) == 0 && len(acknowledge) == 0 {
				result.StopReason = StopCompleted
				_ = machine.Finish()
				return result, nil
			}
		} else {
			respond = candidates
			s.recordInnerDialogue(work, trigger, round, types.InnerDialogueRouting, map[string]any{
				"mode":       plan.mode,
				"round":      round,
				"candidates": routed,
			})
		}

		_ = machine.Advance(StateInvoking)
		s.recorder.RecordRound(string(plan.mode))
		result.Rounds++
		out, err := s.runRound(ctx, work, plan, trigger, round, transcript, roster, respond, acknowledge)
		result.Messages = append(result.Messages, out.persisted...)
		if out.delivered != nil {
			delivered = out.delivered
		}
		if err != nil {
			s.logger.Error("round aborted, storage unavailable",
				zap.String("conversation_id", trigger.ConversationID),
				zap.Int("round", round),
				zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result.StopReason = StopStorageError
			_ = machine.Finish()
			return result, err
		}

		_ = machine.Advance(StateEvaluating)
		for _, m := range out.persisted {
			agentID, _ := m.Sender.AgentID()
			switch {
			case m.ResponseKind == types.ResponseAcknowledgment:
				acknowledged[agentID] = true
			case m.Status != types.MessageFailed:
				state.Responded[agentID]++
			}
		}
		replies = append(replies, out.replies...)
		state.PreviousReplies = out.replies

		if plan.mode == types.ModeRoundRobin || len(out.replies) == 0 {
			result.StopReason = StopCompleted
			_ = machine.Finish()
			return result, nil
		}
	}
}

// plan snapshots the settings once per triggering message.
func (s *TurnScheduler) plan(conv *types.Conversation) loopPlan {
	p := loopPlan{
		conv:      conv,
		mode:      conv.SelectionMode(),
		moderated: conv.Mode == types.ModeModerated,
		settings:  s.cfg.DefaultEmergent,
		maxRounds: s.cfg.SafetyRoundCap + 1,
	}
	if conv.Mode != types.ModeEmergent {
		return p
	}

	settings, err := types.DecodeEmergentSettings(conv.EmergentSettingsJSON, s.cfg.DefaultEmergent)
	switch {
	case err == nil:
		p.settings = settings
	case errors.Is(err, types.ErrSettingsAbsent):
	default:
		s.logger.Warn("emergent settings unusable, falling back to free mode for this message",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		s.recorder.RecordSettingsFallback()
		p.mode = types.ModeFree
		p.fallback = true
		return p
	}
	p.maxRounds = p.settings.MaxRoundsPerMessage + 1
	return p
}

// checkStop evaluates the global stop conditions against fresh state.
func (s *TurnScheduler) checkStop(ctx context.Context, conversationID string) (StopReason, error) {
	if ctx.Err() != nil {
		return StopCancelled, nil
	}
	conv, err := s.store.GetConversation(context.WithoutCancel(ctx), conversationID)
	if err != nil {
		return "", err
	}
	switch {
	case !conv.IsActive():
		return StopInactive, nil
	case conv.TurnsExhausted():
		return StopTurnsExhausted, nil
	case conv.TokensExhausted():
		return StopTokensExhausted, nil
	}
	return "", nil
}

// roster returns active agent participants with resolved profiles, in join
// order. Agents missing from the directory are skipped.
func (s *TurnScheduler) roster(ctx context.Context, conversationID string) ([]relevance.Candidate, error) {
	participants, err := s.store.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	var out []relevance.Candidate
	for i, p := range participants {
		agentID, ok := p.Identity.AgentID()
		if !ok {
			continue
		}
		profile, err := s.agents.GetAgent(ctx, agentID)
		if err != nil {
			s.logger.Warn("agent participant has no profile, skipping",
				zap.String("conversation_id", conversationID),
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}
		if profile.Name == "" {
			profile.Name = p.DisplayName
		}
		out = append(out, relevance.Candidate{Agent: *profile, JoinOrder: i})
	}
	return out, nil
}

func pick(roster []relevance.Candidate, ids []string) []relevance.Candidate {
	byID := make(map[string]relevance.Candidate, len(roster))
	for _, c := range roster {
		byID[c.Agent.ID] = c
	}
	out := make([]relevance.Candidate, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *TurnScheduler) score(ctx context.Context, plan loopPlan, trigger *types.Message, transcript, replies []*types.Message, candidates []relevance.Candidate) []relevance.Decision {
	if s.scorer == nil {
		s.logger.Warn("no relevance scorer configured, candidates stay silent",
			zap.String("conversation_id", trigger.ConversationID))
		out := make([]relevance.Decision, len(candidates))
		for i, c := range candidates {
			out[i] = relevance.Decision{Candidate: c, AgentID: c.Agent.ID, Classification: relevance.ClassSilent, Error: "scorer unavailable"}
		}
		return out
	}

	ctx, span := s.tracer.Start(ctx, "conversation.score", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()

	prior := make([]*types.Message, 0, len(transcript))
	for _, m := range transcript {
		if m.ID != trigger.ID {
			prior = append(prior, m)
		}
	}
	decisions := s.scorer.Score(ctx, relevance.Request{
		OrganizationID: plan.conv.OrganizationID,
		ConversationID: plan.conv.ID,
		Settings:       plan.settings,
		Latest:         trigger,
		Transcript:     prior,
		RoundResponses: replies,
		Candidates:     candidates,
	})
	for _, d := range decisions {
		s.recorder.RecordScoring(string(d.Classification))
	}
	return decisions
}

// recordInnerDialogue persists a non-deliverable orchestration record.
func (s *TurnScheduler) recordInnerDialogue(ctx context.Context, trigger *types.Message, round int, kind types.InnerDialogueType, payload any) {
	if !s.cfg.RecordInnerDialogue {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode inner dialogue", zap.Error(err))
		return
	}
	msg := &types.Message{
		ID:                uuid.New().String(),
		ConversationID:    trigger.ConversationID,
		Sender:            trigger.Sender,
		Status:            types.MessageSent,
		ParentMessageID:   trigger.ID,
		TriggerMessageID:  trigger.ID,
		Round:             round,
		IsInnerDialogue:   true,
		InnerDialogueType: kind,
		InnerDialogueJSON: data,
	}
	if _, err := s.outbox.Persist(ctx, s.store, msg, nil); err != nil {
		s.logger.Warn("persist inner dialogue", zap.String("type", string(kind)), zap.Error(err))
	}
}
