package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

type serviceFixture struct {
	svc      *Service
	store    *persistence.MemoryConversationStore
	notifier *recordingNotifier
	results  chan *LoopResult
}

func newServiceFixture(t *testing.T, inv AgentInvoker, agents ...types.AgentProfile) *serviceFixture {
	t.Helper()
	store := persistence.NewMemoryConversationStore()
	dir := NewStaticDirectory(agents...)
	notifier := &recordingNotifier{}
	results := make(chan *LoopResult, 16)
	sched := NewTurnScheduler(store, dir, inv, quickConfig(), nil, WithNotifier(notifier))
	svc := NewService(store, dir, sched, types.ConservativeEmergentSettings(), nil,
		WithServiceNotifier(notifier),
		WithLoopObserver(func(r *LoopResult, err error) {
			assert.NoError(t, err)
			results <- r
		}))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &serviceFixture{svc: svc, store: store, notifier: notifier, results: results}
}

func (f *serviceFixture) awaitLoop(t *testing.T) *LoopResult {
	t.Helper()
	select {
	case r := <-f.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("round loop did not finish")
		return nil
	}
}

func TestService_CreateAndPost(t *testing.T) {
	agents := agentsNamed("Ada", "Bob")
	f := newServiceFixture(t, echoInvoker(), agents...)
	ctx := context.Background()

	conv, err := f.svc.Create(ctx, CreateRequest{
		OrganizationID: "org",
		Title:          "  planning ",
		Mode:           types.ModeOnDemand,
		CreatedBy:      "u1",
		MemberIDs:      []string{"u2", "u1"},
		AgentIDs:       []string{agents[0].ID, agents[1].ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "planning", conv.Title)
	assert.Empty(t, conv.EmergentSettingsJSON)

	members, err := f.svc.Participants(ctx, conv.ID, types.UserSender("u2"), false)
	require.NoError(t, err)
	require.Len(t, members, 4)
	assert.Equal(t, types.RoleOwner, members[0].Role)
	assert.Equal(t, "Bob", members[3].DisplayName)

	msg, err := f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "u2", Content: "@bob can you summarize?"})
	require.NoError(t, err)
	assert.Equal(t, []string{agents[1].ID}, msg.MentionedAgentIDs)
	assert.Equal(t, int64(1), msg.SequenceNumber)

	res := f.awaitLoop(t)
	assert.Equal(t, msg.ID, res.TriggerMessageID)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "reply from Bob", res.Messages[0].Content)

	msgs, err := f.svc.ListMessages(ctx, conv.ID, types.UserSender("u1"), 0, 0, false)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 0, f.svc.ActiveLoops(conv.ID))
}

func TestService_CreateValidation(t *testing.T) {
	f := newServiceFixture(t, echoInvoker(), agentsNamed("Ada")...)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{Mode: types.ModeFree})
	assert.True(t, types.IsErrorCode(err, types.ErrUnauthorized))

	_, err = f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", Mode: "chaos"})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	_, err = f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", AgentIDs: []string{"ghost"}})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	bad := types.ConservativeEmergentSettings()
	bad.AcknowledgmentThreshold = 90
	_, err = f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", Mode: types.ModeEmergent, EmergentSettings: &bad})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidSettings))

	conv, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", Mode: types.ModeEmergent, EmergentProfile: "exploratory"})
	require.NoError(t, err)
	settings, err := types.DecodeEmergentSettings(conv.EmergentSettingsJSON, types.EmergentSettings{})
	require.NoError(t, err)
	assert.Equal(t, types.ExploratoryEmergentSettings(), settings)
}

func TestService_PostRequiresActiveParticipantAndConversation(t *testing.T) {
	f := newServiceFixture(t, echoInvoker(), agentsNamed("Ada")...)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", MemberIDs: []string{"u2"}})
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "stranger", Content: "hi"})
	assert.True(t, types.IsErrorCode(err, types.ErrNotParticipant))

	require.NoError(t, f.svc.RemoveParticipant(ctx, conv.ID, "u2", types.UserSender("u2")))
	_, err = f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "u2", Content: "hi"})
	assert.True(t, types.IsErrorCode(err, types.ErrNotParticipant))

	_, err = f.svc.Pause(ctx, conv.ID, "u1")
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "u1", Content: "hi"})
	assert.True(t, types.IsErrorCode(err, types.ErrConversationInactive))

	_, err = f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "u1", Content: "   "})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestService_StatusChangesNeedModerator(t *testing.T) {
	f := newServiceFixture(t, echoInvoker())
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", MemberIDs: []string{"u2"}})
	require.NoError(t, err)

	_, err = f.svc.Pause(ctx, conv.ID, "u2")
	assert.True(t, types.IsErrorCode(err, types.ErrForbidden))

	_, err = f.svc.AddParticipant(ctx, conv.ID, "u1", types.UserSender("u2"), types.RoleModerator)
	assert.Error(t, err, "already active")

	paused, err := f.svc.Pause(ctx, conv.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.ConversationPaused, paused.Status)

	archived, err := f.svc.Archive(ctx, conv.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.ConversationArchived, archived.Status)

	_, err = f.svc.Resume(ctx, conv.ID, "u1")
	assert.True(t, types.IsErrorCode(err, types.ErrConversationInactive))
	assert.Len(t, f.notifier.changed, 2)
}

func TestService_UpdateSettings(t *testing.T) {
	f := newServiceFixture(t, echoInvoker())
	ctx := context.Background()

	plain, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", Mode: types.ModeFree})
	require.NoError(t, err)
	_, err = f.svc.UpdateSettings(ctx, plain.ID, "u1", types.ConservativeEmergentSettings())
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidSettings))

	emergent, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", Mode: types.ModeEmergent})
	require.NoError(t, err)
	next := types.ExploratoryEmergentSettings()
	next.MaxResponsesPerRound = 1
	updated, err := f.svc.UpdateSettings(ctx, emergent.ID, "u1", next)
	require.NoError(t, err)
	got, err := types.DecodeEmergentSettings(updated.EmergentSettingsJSON, types.EmergentSettings{})
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxResponsesPerRound)
}

func TestService_ModeratedApproval(t *testing.T) {
	agents := agentsNamed("Ada")
	f := newServiceFixture(t, echoInvoker(), agents...)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "mod", MemberIDs: []string{"u2"}, Mode: types.ModeModerated, AgentIDs: []string{agents[0].ID}})
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "u2", Content: "@Ada draft the memo"})
	require.NoError(t, err)
	res := f.awaitLoop(t)
	require.Len(t, res.Messages, 1)
	pending := res.Messages[0]
	assert.Equal(t, types.MessagePending, pending.Status)

	visible, err := f.svc.ListMessages(ctx, conv.ID, types.UserSender("u2"), 0, 0, false)
	require.NoError(t, err)
	assert.Len(t, visible, 1, "pending replies are hidden from regular participants")
	forMod, err := f.svc.ListMessages(ctx, conv.ID, types.UserSender("mod"), 0, 0, false)
	require.NoError(t, err)
	assert.Len(t, forMod, 2)

	_, err = f.svc.ApproveMessage(ctx, conv.ID, pending.ID, "u2")
	assert.True(t, types.IsErrorCode(err, types.ErrForbidden))

	approved, err := f.svc.ApproveMessage(ctx, conv.ID, pending.ID, "mod")
	require.NoError(t, err)
	assert.Equal(t, types.MessageSent, approved.Status)
	published := f.notifier.published()
	assert.Equal(t, pending.ID, published[len(published)-1].ID)

	_, err = f.svc.ApproveMessage(ctx, conv.ID, pending.ID, "mod")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

func TestService_CancelLoop(t *testing.T) {
	agents := agentsNamed("Ada", "Bob")
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	inv := &funcInvoker{invokeFn: func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		once.Do(func() { close(started) })
		<-release
		return &InvocationResult{Content: "done"}, nil
	}}
	f := newServiceFixture(t, inv, agents...)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", Mode: types.ModeFree, AgentIDs: []string{agents[0].ID, agents[1].ID}})
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "u1", Content: "go"})
	require.NoError(t, err)
	<-started
	assert.Equal(t, 1, f.svc.CancelLoop(conv.ID))
	close(release)

	res := f.awaitLoop(t)
	assert.Equal(t, StopCancelled, res.StopReason)
	assert.Len(t, res.Messages, 2, "in-flight invocations still persist")
	assert.Equal(t, 0, f.svc.CancelLoop(conv.ID))
}

func TestService_ShutdownRejectsNewLoops(t *testing.T) {
	f := newServiceFixture(t, echoInvoker(), agentsNamed("Ada")...)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Shutdown(ctx))
	_, err = f.svc.PostMessage(ctx, PostRequest{ConversationID: conv.ID, UserID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, ErrServiceClosed)
}

func TestService_CancelNeedsModerator(t *testing.T) {
	f := newServiceFixture(t, echoInvoker())
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, CreateRequest{CreatedBy: "u1", MemberIDs: []string{"u2"}})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, conv.ID, "u2", false)
	assert.True(t, types.IsErrorCode(err, types.ErrForbidden))

	n, err := f.svc.Cancel(ctx, conv.ID, "u1", true)
	require.NoError(t, err)
	assert.Zero(t, n)
}
