package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/roundtable/agent/relevance"
	"github.com/BaSui01/roundtable/types"
)

type invocationOutcome struct {
	result *InvocationResult
	err    error
	took   time.Duration
}

// slot is one message a round will persist, in persistence order.
type slot struct {
	candidate relevance.Candidate
	kind      types.ResponseKind
	done      chan invocationOutcome
}

type roundOutput struct {
	persisted []*types.Message
	// replies are successful full replies.
	replies []*types.Message
	// delivered closes after the round's last published message was handed
	// to the notifier.
	delivered <-chan struct{}
}

// runRound invokes the selected agents concurrently and persists their
// messages one at a time in selection order, so sequence numbers follow the
// selection regardless of which invocation finishes first. Publishing runs on
// the outbox and never holds up the next slot. A persistence
// failure aborts the round after in-flight invocations return.
func (s *TurnScheduler) runRound(ctx, work context.Context, plan loopPlan, trigger *types.Message, round int, transcript []*types.Message, roster, respond, acknowledge []relevance.Candidate) (roundOutput, error) {
	_, span := s.tracer.Start(ctx, "conversation.round", trace.WithAttributes(
		attribute.Int("round", round),
		attribute.Int("respond", len(respond)),
		attribute.Int("acknowledge", len(acknowledge)),
	))
	defer span.End()

	slots := make([]*slot, 0, len(respond)+len(acknowledge))
	for _, c := range respond {
		slots = append(slots, &slot{candidate: c, kind: types.ResponseReply, done: make(chan invocationOutcome, 1)})
	}
	for _, c := range acknowledge {
		slots = append(slots, &slot{candidate: c, kind: types.ResponseAcknowledgment})
	}

	names := participantNames(roster)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrentInvocations)
	for _, sl := range slots {
		if sl.done == nil {
			continue
		}
		g.Go(func() error {
			sl.done <- s.invoke(work, plan.conv, trigger, round, transcript, names, sl.candidate.Agent)
			return nil
		})
	}

	var pace *rate.Limiter
	if d := plan.settings.ResponseDelay(); plan.mode == types.ModeEmergent && d > 0 {
		pace = rate.NewLimiter(rate.Every(d), 1)
	}

	profiles := make([]types.AgentProfile, len(roster))
	for i, c := range roster {
		profiles[i] = c.Agent
	}

	var out roundOutput
	for _, sl := range slots {
		var msg *types.Message
		if sl.kind == types.ResponseAcknowledgment {
			msg = s.acknowledgment(trigger, round, sl.candidate.Agent)
		} else {
			msg = s.reply(plan, trigger, round, sl.candidate.Agent, <-sl.done, profiles)
		}

		if pace != nil {
			// pacing is cosmetic; an aborted wait just persists immediately
			_ = pace.Wait(work)
		}
		var deliver func(context.Context)
		if msg.Deliverable() {
			deliver = func(ctx context.Context) {
				s.notifier.MessageCreated(ctx, plan.conv, msg)
				s.ProposeFrom(ctx, plan.conv, msg)
			}
		}
		done, err := s.outbox.Persist(work, s.store, msg, deliver)
		if err != nil {
			_ = g.Wait()
			return out, types.NewError(types.ErrSequenceUnavailable, "persist agent message").
				WithCause(err).WithRetryable(true).WithHTTPStatus(503)
		}
		if deliver != nil {
			out.delivered = done
		}
		out.persisted = append(out.persisted, msg)
		if msg.ResponseKind == types.ResponseReply && msg.Status != types.MessageFailed {
			out.replies = append(out.replies, msg)
		}
	}
	_ = g.Wait()
	return out, nil
}

func (s *TurnScheduler) invoke(ctx context.Context, conv *types.Conversation, trigger *types.Message, round int, transcript []*types.Message, names map[string]string, agent types.AgentProfile) invocationOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvocationTimeout)
	defer cancel()

	start := s.now()
	res, err := s.invoker.Invoke(ctx, Invocation{
		Agent:        agent,
		Conversation: conv,
		Trigger:      trigger,
		Transcript:   transcript,
		Round:        round,
		Participants: names,
	})
	took := s.now().Sub(start)
	if err == nil && res == nil {
		err = &InvocationError{Kind: InvocationInvalidResponse, Message: "invoker returned no result"}
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var invErr *InvocationError
		if !errors.As(err, &invErr) {
			err = &InvocationError{Kind: InvocationTimeout, Message: "agent invocation timed out", Cause: err}
		}
	}

	outcome := "success"
	tokens, cost := 0, 0.0
	if err != nil {
		outcome = string(InvocationErrorKindOf(err))
		s.logger.Warn("agent invocation failed",
			zap.String("conversation_id", conv.ID),
			zap.String("agent_id", agent.ID),
			zap.Int("round", round),
			zap.Error(err))
	} else {
		tokens, cost = res.TokensUsed, res.CostCents
		if res.ResponseTime > 0 {
			took = res.ResponseTime
		}
	}
	s.recorder.RecordInvocation(agent.ID, outcome, took, tokens, cost)
	return invocationOutcome{result: res, err: err, took: took}
}

func (s *TurnScheduler) reply(plan loopPlan, trigger *types.Message, round int, agent types.AgentProfile, o invocationOutcome, profiles []types.AgentProfile) *types.Message {
	msg := s.agentMessage(trigger, round, agent, types.ResponseReply)
	msg.ResponseTimeMs = o.took.Milliseconds()
	if o.err != nil {
		msg.Status = types.MessageFailed
		msg.ErrorDetail = o.err.Error()
		return msg
	}

	msg.Content = o.result.Content
	msg.TokensUsed = o.result.TokensUsed
	msg.CostCents = o.result.CostCents
	msg.MentionedAgentIDs = withoutID(ExtractMentions(msg.Content, profiles), agent.ID)
	if plan.moderated {
		msg.Status = types.MessagePending
	}
	return msg
}

func (s *TurnScheduler) acknowledgment(trigger *types.Message, round int, agent types.AgentProfile) *types.Message {
	msg := s.agentMessage(trigger, round, agent, types.ResponseAcknowledgment)
	msg.Content = fmt.Sprintf("%s has nothing to add right now.", agent.Name)
	return msg
}

func (s *TurnScheduler) agentMessage(trigger *types.Message, round int, agent types.AgentProfile, kind types.ResponseKind) *types.Message {
	return &types.Message{
		ID:               uuid.New().String(),
		ConversationID:   trigger.ConversationID,
		Sender:           types.AISender(agent.ID),
		SenderName:       agent.Name,
		Status:           types.MessageSent,
		TriggerMessageID: trigger.ID,
		Round:            round,
		ResponseKind:     kind,
	}
}

// ProposeFrom files every action block in a deliverable agent message with
// the gate and notifies reviewers. Failures are logged, never returned.
func (s *TurnScheduler) ProposeFrom(ctx context.Context, conv *types.Conversation, msg *types.Message) {
	if s.proposer == nil || !msg.IsAgentMessage() || msg.Status != types.MessageSent {
		return
	}
	proposals, errs := ExtractProposals(msg.Content)
	for _, err := range errs {
		s.logger.Warn("ignoring malformed action block",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	for _, p := range proposals {
		action, err := s.proposer.Propose(ctx, p.Draft(conv, msg))
		if err != nil {
			s.logger.Warn("propose action failed",
				zap.String("message_id", msg.ID),
				zap.String("entity_type", p.EntityType),
				zap.Error(err))
			continue
		}
		s.notifier.ActionProposed(ctx, conv, action)
	}
}

func participantNames(roster []relevance.Candidate) map[string]string {
	out := make(map[string]string, len(roster))
	for _, c := range roster {
		out[c.Agent.ID] = c.Agent.Name
	}
	return out
}

func withoutID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
