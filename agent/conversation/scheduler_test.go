package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/agent/relevance"
	"github.com/BaSui01/roundtable/types"
)

// --- test doubles ---

type funcInvoker struct {
	invokeFn func(ctx context.Context, inv Invocation) (*InvocationResult, error)
}

func (f *funcInvoker) Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	return f.invokeFn(ctx, inv)
}

func echoInvoker() *funcInvoker {
	return &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		return &InvocationResult{Content: "reply from " + inv.Agent.Name, TokensUsed: 10}, nil
	}}
}

type funcScorer struct {
	scoreFn func(ctx context.Context, req relevance.Request) []relevance.Decision
}

func (f *funcScorer) Score(ctx context.Context, req relevance.Request) []relevance.Decision {
	return f.scoreFn(ctx, req)
}

// fixedScores scores every candidate from a table and classifies it.
func fixedScores(scores map[string]int) *funcScorer {
	return &funcScorer{scoreFn: func(ctx context.Context, req relevance.Request) []relevance.Decision {
		out := make([]relevance.Decision, len(req.Candidates))
		for i, c := range req.Candidates {
			score := scores[c.Agent.ID]
			out[i] = relevance.Decision{
				Candidate:      c,
				AgentID:        c.Agent.ID,
				Score:          score,
				Classification: relevance.Classify(score, req.Settings),
			}
		}
		return out
	}}
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []*types.Message
	actions  []*types.PendingAction
	changed  []*types.Conversation
}

func (n *recordingNotifier) MessageCreated(_ context.Context, _ *types.Conversation, msg *types.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) ConversationChanged(_ context.Context, conv *types.Conversation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, conv)
}

func (n *recordingNotifier) ActionProposed(_ context.Context, _ *types.Conversation, a *types.PendingAction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions = append(n.actions, a)
}

func (n *recordingNotifier) published() []*types.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Message(nil), n.messages...)
}

type funcProposer struct {
	proposeFn func(ctx context.Context, draft *types.PendingAction) (*types.PendingAction, error)
}

func (f *funcProposer) Propose(ctx context.Context, draft *types.PendingAction) (*types.PendingAction, error) {
	return f.proposeFn(ctx, draft)
}

type failingStore struct {
	persistence.ConversationStore
	allow atomic.Int32
}

func (f *failingStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if f.allow.Add(-1) < 0 {
		return errors.New("disk unavailable")
	}
	return f.ConversationStore.AppendMessage(ctx, msg)
}

// --- fixtures ---

func agentsNamed(names ...string) []types.AgentProfile {
	out := make([]types.AgentProfile, len(names))
	for i, n := range names {
		out[i] = types.AgentProfile{ID: "agent-" + n, Name: n}
	}
	return out
}

type fixture struct {
	store *persistence.MemoryConversationStore
	dir   *StaticDirectory
	conv  *types.Conversation
}

func newFixture(t *testing.T, conv *types.Conversation, agents ...types.AgentProfile) *fixture {
	t.Helper()
	store := persistence.NewMemoryConversationStore()
	dir := NewStaticDirectory(agents...)

	if conv.Status == "" {
		conv.Status = types.ConversationActive
	}
	participants := []*types.Participant{{Identity: types.UserSender("owner"), Role: types.RoleOwner}}
	for _, a := range agents {
		participants = append(participants, &types.Participant{Identity: types.AISender(a.ID), DisplayName: a.Name})
	}
	require.NoError(t, store.CreateConversation(context.Background(), conv, participants))
	return &fixture{store: store, dir: dir, conv: conv}
}

func (f *fixture) post(t *testing.T, content string, mentions ...string) *types.Message {
	t.Helper()
	msg := &types.Message{
		ConversationID:    f.conv.ID,
		Sender:            types.UserSender("owner"),
		Content:           content,
		MentionedAgentIDs: mentions,
	}
	require.NoError(t, f.store.AppendMessage(context.Background(), msg))
	return msg
}

func quickConfig() SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.InvocationTimeout = 2 * time.Second
	return cfg
}

func emergentSettings(t *testing.T, mutate func(*types.EmergentSettings)) string {
	t.Helper()
	s := types.ConservativeEmergentSettings()
	s.ResponseDelayMs = 0
	mutate(&s)
	raw, err := s.Encode()
	require.NoError(t, err)
	return raw
}

func senders(msgs []*types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sender.ID()
	}
	return out
}

// --- tests ---

func TestTurnScheduler_OnDemandWithoutMentionsIsSilent(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeOnDemand}, agentsNamed("Ada", "Bob")...)
	invoked := atomic.Int32{}
	inv := &funcInvoker{invokeFn: func(ctx context.Context, _ Invocation) (*InvocationResult, error) {
		invoked.Add(1)
		return &InvocationResult{Content: "hi"}, nil
	}}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil)

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "anyone there?")})
	require.NoError(t, err)
	assert.Equal(t, StopNoCandidates, res.StopReason)
	assert.Empty(t, res.Messages)
	assert.Zero(t, invoked.Load())
	assert.Equal(t, []LoopState{StateIdle, StateRouting, StateDone}, res.States)
}

func TestTurnScheduler_OnDemandFollowsMentionsAcrossRounds(t *testing.T) {
	agents := agentsNamed("Ada", "Bob", "Cy")
	f := newFixture(t, &types.Conversation{Mode: types.ModeOnDemand}, agents...)
	inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		if inv.Agent.Name == "Ada" {
			return &InvocationResult{Content: "@Bob can you check the numbers?"}, nil
		}
		return &InvocationResult{Content: "numbers look fine"}, nil
	}}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil)

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "@Ada thoughts?", agents[0].ID)})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-Ada", "agent-Bob"}, senders(res.Messages))
	assert.Equal(t, []string{"agent-Bob"}, res.Messages[0].MentionedAgentIDs)
	assert.Equal(t, 1, res.Messages[1].Round)
	assert.Equal(t, StopCompleted, res.StopReason)
}

func TestTurnScheduler_RoundRobinUsesJoinOrderOnce(t *testing.T) {
	agents := agentsNamed("Ada", "Bob", "Cy")
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agents...)
	// the first agent is the slowest; persistence order must not change
	delays := map[string]time.Duration{"Ada": 30 * time.Millisecond, "Bob": 10 * time.Millisecond}
	inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		time.Sleep(delays[inv.Agent.Name])
		return &InvocationResult{Content: inv.Agent.Name}, nil
	}}
	notifier := &recordingNotifier{}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil, WithNotifier(notifier))

	trigger := f.post(t, "status update please")
	res, err := s.Run(context.Background(), LoopRequest{Trigger: trigger})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, []string{"agent-Ada", "agent-Bob", "agent-Cy"}, senders(res.Messages))
	for i, m := range res.Messages {
		assert.Equal(t, trigger.SequenceNumber+int64(i)+1, m.SequenceNumber)
		assert.Equal(t, trigger.ID, m.TriggerMessageID)
	}
	assert.Equal(t, senders(res.Messages), senders(notifier.published()))
}

func TestTurnScheduler_FreeModeStopsAtSafetyCap(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeFree}, agentsNamed("Ada", "Bob")...)
	cfg := quickConfig()
	cfg.SafetyRoundCap = 1
	s := NewTurnScheduler(f.store, f.dir, echoInvoker(), cfg, nil)

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "brainstorm")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)
	assert.Len(t, res.Messages, 4)
	assert.Equal(t, StopRoundCap, res.StopReason)
}

func TestTurnScheduler_EmergentClassification(t *testing.T) {
	agents := agentsNamed("Ada", "Bob", "Cy")
	conv := &types.Conversation{Mode: types.ModeEmergent, EmergentSettingsJSON: emergentSettings(t, func(s *types.EmergentSettings) {
		s.RelevanceThreshold = 50
		s.AcknowledgmentThreshold = 40
		s.MaxRoundsPerMessage = 1
	})}
	f := newFixture(t, conv, agents...)
	scorer := fixedScores(map[string]int{"agent-Ada": 80, "agent-Bob": 45, "agent-Cy": 30})
	invoked := sync.Map{}
	inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		invoked.Store(inv.Agent.ID, true)
		return &InvocationResult{Content: "full answer"}, nil
	}}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil, WithScorer(scorer))

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "how should we price this?")})
	require.NoError(t, err)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, "agent-Ada", res.Messages[0].Sender.ID())
	assert.Equal(t, types.ResponseReply, res.Messages[0].ResponseKind)
	assert.Equal(t, "agent-Bob", res.Messages[1].Sender.ID())
	assert.Equal(t, types.ResponseAcknowledgment, res.Messages[1].ResponseKind)

	_, bobInvoked := invoked.Load("agent-Bob")
	assert.False(t, bobInvoked, "acknowledgments do not call the model")
	_, cyInvoked := invoked.Load("agent-Cy")
	assert.False(t, cyInvoked)
	assert.Contains(t, res.States, StateScoring)
}

func TestTurnScheduler_EmergentResponseCap(t *testing.T) {
	agents := []types.AgentProfile{
		{ID: "a1", Name: "A1", SeniorityLevel: 1},
		{ID: "a2", Name: "A2", SeniorityLevel: 3},
		{ID: "a3", Name: "A3", SeniorityLevel: 2},
		{ID: "a4", Name: "A4", SeniorityLevel: 1},
	}
	conv := &types.Conversation{Mode: types.ModeEmergent, EmergentSettingsJSON: emergentSettings(t, func(s *types.EmergentSettings) {
		s.RelevanceThreshold = 50
		s.MaxResponsesPerRound = 2
		s.MaxRoundsPerMessage = 0
	})}
	f := newFixture(t, conv, agents...)
	scorer := fixedScores(map[string]int{"a1": 90, "a2": 75, "a3": 75, "a4": 60})
	s := NewTurnScheduler(f.store, f.dir, echoInvoker(), quickConfig(), nil, WithScorer(scorer))

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, senders(res.Messages))
	assert.Equal(t, StopRoundCap, res.StopReason)
}

func TestTurnScheduler_EmergentExcludesRespondersUnlessMultipleAllowed(t *testing.T) {
	for _, allow := range []bool{false, true} {
		t.Run(fmt.Sprintf("allow=%v", allow), func(t *testing.T) {
			conv := &types.Conversation{Mode: types.ModeEmergent, EmergentSettingsJSON: emergentSettings(t, func(s *types.EmergentSettings) {
				s.MaxRoundsPerMessage = 2
				s.AllowMultipleResponses = allow
			})}
			f := newFixture(t, conv, agentsNamed("Ada")...)
			s := NewTurnScheduler(f.store, f.dir, echoInvoker(), quickConfig(), nil,
				WithScorer(fixedScores(map[string]int{"agent-Ada": 95})))

			res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
			require.NoError(t, err)
			if allow {
				assert.Len(t, res.Messages, 3)
				assert.Equal(t, StopRoundCap, res.StopReason)
			} else {
				assert.Len(t, res.Messages, 1)
				assert.Equal(t, StopCompleted, res.StopReason)
			}
		})
	}
}

func TestTurnScheduler_MalformedSettingsFallBackToFree(t *testing.T) {
	recorder := &countingRecorder{}
	conv := &types.Conversation{Mode: types.ModeEmergent, EmergentSettingsJSON: `{"relevanceThreshold": "high"}`}
	f := newFixture(t, conv, agentsNamed("Ada", "Bob")...)
	cfg := quickConfig()
	cfg.SafetyRoundCap = 0
	scorer := &funcScorer{scoreFn: func(context.Context, relevance.Request) []relevance.Decision {
		t.Error("scorer must not run after fallback")
		return nil
	}}
	s := NewTurnScheduler(f.store, f.dir, echoInvoker(), cfg, nil, WithScorer(scorer), WithRecorder(recorder))

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
	require.NoError(t, err)
	assert.True(t, res.SettingsFallback)
	assert.Equal(t, types.ModeFree, res.Mode)
	assert.Len(t, res.Messages, 2)
	assert.Equal(t, int32(1), recorder.fallbacks.Load())
}

func TestTurnScheduler_FailedInvocationIsIsolated(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agentsNamed("Ada", "Bob", "Cy")...)
	inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		if inv.Agent.Name == "Bob" {
			return nil, &InvocationError{Kind: InvocationRateLimited, Message: "slow down"}
		}
		return &InvocationResult{Content: "ok"}, nil
	}}
	notifier := &recordingNotifier{}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil, WithNotifier(notifier))

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, types.MessageSent, res.Messages[0].Status)
	assert.Equal(t, types.MessageFailed, res.Messages[1].Status)
	assert.Contains(t, res.Messages[1].ErrorDetail, "rate_limited")
	assert.Equal(t, types.MessageSent, res.Messages[2].Status)
	assert.Len(t, notifier.published(), 3, "failed messages are visible")
}

func TestTurnScheduler_InvocationTimeout(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agentsNamed("Ada")...)
	inv := &funcInvoker{invokeFn: func(ctx context.Context, _ Invocation) (*InvocationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := quickConfig()
	cfg.InvocationTimeout = 20 * time.Millisecond
	s := NewTurnScheduler(f.store, f.dir, inv, cfg, nil)

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, types.MessageFailed, res.Messages[0].Status)
	assert.Contains(t, res.Messages[0].ErrorDetail, string(InvocationTimeout))
}

func TestTurnScheduler_PauseStopsNextRoundButKeepsInFlight(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeFree}, agentsNamed("Ada", "Bob")...)
	var once sync.Once
	inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		once.Do(func() {
			_, err := f.store.UpdateConversation(context.Background(), f.conv.ID, func(c *types.Conversation) error {
				c.Status = types.ConversationPaused
				return nil
			})
			assert.NoError(t, err)
		})
		return &InvocationResult{Content: "still here"}, nil
	}}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil)

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rounds)
	assert.Len(t, res.Messages, 2)
	assert.Equal(t, StopInactive, res.StopReason)
}

func TestTurnScheduler_StopConditions(t *testing.T) {
	one := int64(1)
	tests := []struct {
		name   string
		conv   *types.Conversation
		ctx    func() context.Context
		reason StopReason
	}{
		{
			name:   "archived",
			conv:   &types.Conversation{Mode: types.ModeFree, Status: types.ConversationArchived},
			reason: StopInactive,
		},
		{
			name:   "max turns",
			conv:   &types.Conversation{Mode: types.ModeFree, MaxTurns: &one},
			reason: StopTurnsExhausted,
		},
		{
			name:   "max tokens",
			conv:   &types.Conversation{Mode: types.ModeFree, MaxTokens: &one},
			reason: StopTokensExhausted,
		},
		{
			name: "cancelled",
			conv: &types.Conversation{Mode: types.ModeFree},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			reason: StopCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.conv, agentsNamed("Ada")...)
			s := NewTurnScheduler(f.store, f.dir, echoInvoker(), quickConfig(), nil)
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}

			res, err := s.Run(ctx, LoopRequest{Trigger: f.post(t, "go")})
			require.NoError(t, err)
			assert.Equal(t, tt.reason, res.StopReason)
			// caps are reached after the first round's reply at the latest
			assert.LessOrEqual(t, len(res.Messages), 1)
		})
	}
}

func TestTurnScheduler_StorageFailureIsRoundFatal(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agentsNamed("Ada", "Bob")...)
	trigger := f.post(t, "go")
	store := &failingStore{ConversationStore: f.store}
	store.allow.Store(1)
	s := NewTurnScheduler(store, f.dir, echoInvoker(), quickConfig(), nil)

	res, err := s.Run(context.Background(), LoopRequest{Trigger: trigger})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrSequenceUnavailable))
	assert.Equal(t, StopStorageError, res.StopReason)
	assert.Len(t, res.Messages, 1)
}

func TestTurnScheduler_ModeratedRepliesWaitForApproval(t *testing.T) {
	agents := agentsNamed("Ada")
	f := newFixture(t, &types.Conversation{Mode: types.ModeModerated}, agents...)
	notifier := &recordingNotifier{}
	s := NewTurnScheduler(f.store, f.dir, echoInvoker(), quickConfig(), nil, WithNotifier(notifier))

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "@Ada draft it", agents[0].ID)})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, types.MessagePending, res.Messages[0].Status)
	assert.Empty(t, notifier.published())
}

func TestTurnScheduler_ProposalsReachTheGate(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin, OrganizationID: "org"}, agentsNamed("Ada")...)
	inv := &funcInvoker{invokeFn: func(ctx context.Context, _ Invocation) (*InvocationResult, error) {
		return &InvocationResult{Content: "I suggest renaming it.\n```action\n" +
			`{"action":"update","entity_type":"role","entity_id":"r1","data":{"name":"Lead"},"reason":"clearer"}` +
			"\n```"}, nil
	}}
	var drafts []*types.PendingAction
	proposer := &funcProposer{proposeFn: func(ctx context.Context, d *types.PendingAction) (*types.PendingAction, error) {
		drafts = append(drafts, d)
		cp := *d
		cp.ID = "act-1"
		cp.Status = types.ActionPending
		return &cp, nil
	}}
	notifier := &recordingNotifier{}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil, WithProposer(proposer), WithNotifier(notifier))

	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, types.ActionUpdate, drafts[0].ActionType)
	assert.Equal(t, "r1", drafts[0].EntityID)
	assert.Equal(t, res.Messages[0].ID, drafts[0].MessageID)
	assert.Equal(t, "agent-Ada", drafts[0].AgentID)
	assert.Equal(t, "org", drafts[0].OrganizationID)
	require.Len(t, notifier.actions, 1)
	assert.Equal(t, "act-1", notifier.actions[0].ID)
}

func TestTurnScheduler_InnerDialogueIsRecordedButNotPublished(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agentsNamed("Ada")...)
	cfg := quickConfig()
	cfg.RecordInnerDialogue = true
	notifier := &recordingNotifier{}
	s := NewTurnScheduler(f.store, f.dir, echoInvoker(), cfg, nil, WithNotifier(notifier))

	trigger := f.post(t, "go")
	_, err := s.Run(context.Background(), LoopRequest{Trigger: trigger})
	require.NoError(t, err)

	all, err := f.store.ListMessagesAfter(context.Background(), f.conv.ID, trigger.SequenceNumber, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].IsInnerDialogue)
	assert.Equal(t, types.InnerDialogueRouting, all[0].InnerDialogueType)
	assert.JSONEq(t, `{"mode":"round_robin","round":0,"candidates":["agent-Ada"]}`, string(all[0].InnerDialogueJSON))
	assert.Len(t, notifier.published(), 1)

	conv, err := f.store.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.MessageCount, "inner dialogue does not count")
}

func TestTurnScheduler_AbortCancelsInFlightInvocations(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agentsNamed("Ada")...)
	started := make(chan struct{})
	inv := &funcInvoker{invokeFn: func(ctx context.Context, _ Invocation) (*InvocationResult, error) {
		close(started)
		<-ctx.Done()
		return nil, &InvocationError{Kind: InvocationProviderUnavailable, Message: "aborted", Cause: ctx.Err()}
	}}
	s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil)

	abort, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go"), Abort: abort})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, types.MessageFailed, res.Messages[0].Status)
}

func TestTurnScheduler_SequenceNumbersAreGapFree(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "agents")
		names := make([]string, n)
		delays := make(map[string]time.Duration, n)
		for i := range names {
			names[i] = fmt.Sprintf("A%d", i)
			delays[names[i]] = time.Duration(rapid.IntRange(0, 3).Draw(rt, "delay")) * time.Millisecond
		}
		failing := rapid.IntRange(-1, n-1).Draw(rt, "failing")

		f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agentsNamed(names...)...)
		inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
			time.Sleep(delays[inv.Agent.Name])
			if failing >= 0 && inv.Agent.Name == names[failing] {
				return nil, &InvocationError{Kind: InvocationInvalidResponse, Message: "garbled"}
			}
			return &InvocationResult{Content: "ok"}, nil
		}}
		s := NewTurnScheduler(f.store, f.dir, inv, quickConfig(), nil)

		trigger := f.post(t, "go")
		res, err := s.Run(context.Background(), LoopRequest{Trigger: trigger})
		if err != nil {
			rt.Fatalf("run: %v", err)
		}
		if len(res.Messages) != n {
			rt.Fatalf("got %d messages for %d agents", len(res.Messages), n)
		}
		for i, m := range res.Messages {
			if want := trigger.SequenceNumber + int64(i) + 1; m.SequenceNumber != want {
				rt.Fatalf("message %d has sequence %d, want %d", i, m.SequenceNumber, want)
			}
			if m.SenderName != names[i] {
				rt.Fatalf("message %d from %s, want join order %s", i, m.SenderName, names[i])
			}
		}
	})
}

type countingRecorder struct {
	nopRecorder
	fallbacks atomic.Int32
}

func (r *countingRecorder) RecordSettingsFallback() { r.fallbacks.Add(1) }

// slowAppendStore stalls after storing messages from one sender, while the
// sequence number is already taken.
type slowAppendStore struct {
	persistence.ConversationStore
	sender string
	delay  time.Duration
}

func (s *slowAppendStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if err := s.ConversationStore.AppendMessage(ctx, msg); err != nil {
		return err
	}
	if msg.Sender.ID() == s.sender {
		time.Sleep(s.delay)
	}
	return nil
}

type signalStore struct {
	persistence.ConversationStore
	appended chan *types.Message
}

func (s *signalStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if err := s.ConversationStore.AppendMessage(ctx, msg); err != nil {
		return err
	}
	s.appended <- msg
	return nil
}

// blockingNotifier holds the first message delivery until released.
type blockingNotifier struct {
	recordingNotifier
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) MessageCreated(ctx context.Context, conv *types.Conversation, msg *types.Message) {
	n.once.Do(func() {
		close(n.entered)
		<-n.release
	})
	n.recordingNotifier.MessageCreated(ctx, conv, msg)
}

func TestTurnScheduler_ConcurrentLoopsPublishInSequenceOrder(t *testing.T) {
	agents := agentsNamed("Ada", "Bob")
	f := newFixture(t, &types.Conversation{Mode: types.ModeOnDemand}, agents...)
	inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		if inv.Agent.Name == "Bob" {
			time.Sleep(20 * time.Millisecond)
		}
		return &InvocationResult{Content: "noted"}, nil
	}}
	notifier := &recordingNotifier{}
	store := &slowAppendStore{ConversationStore: f.store, sender: agents[0].ID, delay: 150 * time.Millisecond}
	s := NewTurnScheduler(store, f.dir, inv, quickConfig(), nil, WithNotifier(notifier))

	first := f.post(t, "@Ada go", agents[0].ID)
	second := f.post(t, "@Bob go", agents[1].ID)

	var wg sync.WaitGroup
	for _, trigger := range []*types.Message{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Run(context.Background(), LoopRequest{Trigger: trigger})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, s.outbox.Wait(context.Background()))

	published := notifier.published()
	require.Len(t, published, 2)
	assert.Equal(t, []string{"agent-Ada", "agent-Bob"}, senders(published))
	for i := 1; i < len(published); i++ {
		assert.Less(t, published[i-1].SequenceNumber, published[i].SequenceNumber)
	}
}

func TestTurnScheduler_SlowDeliveryDoesNotHoldPersistence(t *testing.T) {
	f := newFixture(t, &types.Conversation{Mode: types.ModeRoundRobin}, agentsNamed("Ada", "Bob")...)
	store := &signalStore{ConversationStore: f.store, appended: make(chan *types.Message, 4)}
	notifier := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewTurnScheduler(store, f.dir, echoInvoker(), quickConfig(), nil, WithNotifier(notifier))

	trigger := f.post(t, "go")
	finished := make(chan *LoopResult, 1)
	go func() {
		res, err := s.Run(context.Background(), LoopRequest{Trigger: trigger})
		assert.NoError(t, err)
		finished <- res
	}()

	select {
	case <-notifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never started")
	}
	for _, want := range []string{"agent-Ada", "agent-Bob"} {
		select {
		case msg := <-store.appended:
			assert.Equal(t, want, msg.Sender.ID())
		case <-time.After(2 * time.Second):
			t.Fatalf("%s was not persisted while delivery was blocked", want)
		}
	}
	assert.Empty(t, notifier.published())

	close(notifier.release)
	select {
	case res := <-finished:
		assert.Equal(t, senders(res.Messages), senders(notifier.published()))
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish after delivery resumed")
	}
}

func TestTurnScheduler_ResponseDelayPacesEmergentReplies(t *testing.T) {
	const delay = 60 * time.Millisecond

	t.Run("emergent", func(t *testing.T) {
		conv := &types.Conversation{Mode: types.ModeEmergent, EmergentSettingsJSON: emergentSettings(t, func(s *types.EmergentSettings) {
			s.ResponseDelayMs = int(delay / time.Millisecond)
			s.MaxResponsesPerRound = 2
			s.MaxRoundsPerMessage = 0
		})}
		f := newFixture(t, conv, agentsNamed("Ada", "Bob")...)
		s := NewTurnScheduler(f.store, f.dir, echoInvoker(), quickConfig(), nil,
			WithScorer(fixedScores(map[string]int{"agent-Ada": 90, "agent-Bob": 85})))

		res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
		require.NoError(t, err)
		require.Len(t, res.Messages, 2)
		gap := res.Messages[1].CreatedAt.Sub(res.Messages[0].CreatedAt)
		assert.GreaterOrEqual(t, gap, delay-5*time.Millisecond)
	})

	t.Run("other modes are not paced", func(t *testing.T) {
		f := newFixture(t, &types.Conversation{Mode: types.ModeFree}, agentsNamed("Ada", "Bob")...)
		cfg := quickConfig()
		cfg.SafetyRoundCap = 0
		cfg.DefaultEmergent.ResponseDelayMs = 500
		s := NewTurnScheduler(f.store, f.dir, echoInvoker(), cfg, nil)

		res, err := s.Run(context.Background(), LoopRequest{Trigger: f.post(t, "go")})
		require.NoError(t, err)
		require.Len(t, res.Messages, 2)
		gap := res.Messages[1].CreatedAt.Sub(res.Messages[0].CreatedAt)
		assert.Less(t, gap, 250*time.Millisecond)
	})
}
