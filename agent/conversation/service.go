package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

// ErrServiceClosed is returned after Shutdown.
var ErrServiceClosed = errors.New("conversation service is shut down")

// LoopObserver is called after every background round loop finishes.
type LoopObserver func(result *LoopResult, err error)

// Service is the conversation lifecycle entry point used by the HTTP API.
type Service struct {
	store     persistence.ConversationStore
	agents    AgentDirectory
	scheduler *TurnScheduler
	notifier  Notifier
	defaults  types.EmergentSettings
	observer  LoopObserver
	logger    *zap.Logger

	mu     sync.Mutex
	loops  map[string]map[string]*runningLoop // conversation → trigger → loop
	wg     sync.WaitGroup
	closed bool
}

type runningLoop struct {
	cancel context.CancelFunc
	abort  context.CancelFunc
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithServiceNotifier sets where lifecycle events are published.
func WithServiceNotifier(n Notifier) ServiceOption { return func(s *Service) { s.notifier = n } }

// WithLoopObserver registers a callback for finished loops.
func WithLoopObserver(o LoopObserver) ServiceOption { return func(s *Service) { s.observer = o } }

// NewService creates a service. The scheduler's notifier should be the same
// one passed here.
func NewService(store persistence.ConversationStore, agents AgentDirectory, scheduler *TurnScheduler, defaults types.EmergentSettings, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		agents:    agents,
		scheduler: scheduler,
		notifier:  nopNotifier{},
		defaults:  defaults,
		logger:    logger.With(zap.String("component", "conversation_service")),
		loops:     make(map[string]map[string]*runningLoop),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new conversation.
type CreateRequest struct {
	OrganizationID     string                  `json:"organization_id"`
	Title              string                  `json:"title"`
	Mode               types.ConversationMode  `json:"mode"`
	ModeratedSelection types.ConversationMode  `json:"moderated_selection,omitempty"`
	CreatedBy          string                  `json:"-"`
	AgentIDs           []string                `json:"agent_ids"`
	MemberIDs          []string                `json:"member_ids,omitempty"`
	MaxTurns           *int64                  `json:"max_turns,omitempty"`
	MaxTokens          *int64                  `json:"max_tokens,omitempty"`
	EmergentSettings   *types.EmergentSettings `json:"emergent_settings,omitempty"`
	// EmergentProfile names a default profile when EmergentSettings is nil.
	EmergentProfile string `json:"emergent_profile,omitempty"`
}

// Create stores a conversation with the creator as owner, then members and
// agents in the order given.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Conversation, error) {
	if req.CreatedBy == "" {
		return nil, types.NewError(types.ErrUnauthorized, "creator is required").WithHTTPStatus(401)
	}
	if req.Mode == "" {
		req.Mode = types.ModeOnDemand
	}
	if !req.Mode.Valid() {
		return nil, invalidRequest("unknown mode %q", req.Mode)
	}
	if req.ModeratedSelection != "" && req.ModeratedSelection != types.ModeOnDemand && req.ModeratedSelection != types.ModeFree {
		return nil, invalidRequest("moderated selection must be on_demand or free")
	}

	conv := &types.Conversation{
		ID:                 uuid.New().String(),
		OrganizationID:     req.OrganizationID,
		Title:              strings.TrimSpace(req.Title),
		Mode:               req.Mode,
		ModeratedSelection: req.ModeratedSelection,
		Status:             types.ConversationActive,
		CreatedBy:          req.CreatedBy,
		MaxTurns:           req.MaxTurns,
		MaxTokens:          req.MaxTokens,
	}
	if conv.Title == "" {
		conv.Title = "Untitled conversation"
	}
	if req.Mode == types.ModeEmergent {
		raw, err := s.encodeSettings(req.EmergentSettings, req.EmergentProfile)
		if err != nil {
			return nil, err
		}
		conv.EmergentSettingsJSON = raw
	}

	participants := []*types.Participant{{
		Identity: types.UserSender(req.CreatedBy), Role: types.RoleOwner, NotificationsEnabled: true,
	}}
	seen := map[types.Sender]bool{types.UserSender(req.CreatedBy): true}
	for _, id := range req.MemberIDs {
		identity := types.UserSender(id)
		if id == "" || seen[identity] {
			continue
		}
		seen[identity] = true
		participants = append(participants, &types.Participant{Identity: identity, Role: types.RoleParticipant, NotificationsEnabled: true})
	}
	for _, id := range req.AgentIDs {
		identity := types.AISender(id)
		if seen[identity] {
			continue
		}
		profile, err := s.agents.GetAgent(ctx, id)
		if err != nil {
			return nil, invalidRequest("unknown agent %s", id).WithCause(err)
		}
		seen[identity] = true
		participants = append(participants, &types.Participant{Identity: identity, DisplayName: profile.Name, Role: types.RoleParticipant})
	}

	if err := s.store.CreateConversation(ctx, conv, participants); err != nil {
		return nil, err
	}
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("mode", string(conv.Mode)),
		zap.Int("participants", len(participants)))
	return conv, nil
}

func (s *Service) encodeSettings(settings *types.EmergentSettings, profile string) (string, error) {
	var st types.EmergentSettings
	switch {
	case settings != nil:
		st = *settings
	case profile != "":
		p, err := types.EmergentProfile(profile)
		if err != nil {
			return "", types.NewError(types.ErrInvalidSettings, err.Error()).WithHTTPStatus(400)
		}
		st = p
	default:
		st = s.defaults
	}
	if err := st.Validate(); err != nil {
		return "", err
	}
	return st.Encode()
}

// Get returns a conversation the caller participates in.
func (s *Service) Get(ctx context.Context, conversationID string, caller types.Sender) (*types.Conversation, error) {
	if _, err := s.requireMember(ctx, conversationID, caller); err != nil {
		return nil, err
	}
	return s.store.GetConversation(ctx, conversationID)
}

// Participants lists members, including those that left when all is set.
func (s *Service) Participants(ctx context.Context, conversationID string, caller types.Sender, all bool) ([]*types.Participant, error) {
	if _, err := s.requireMember(ctx, conversationID, caller); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, conversationID, !all)
}

// AddParticipant adds a user or agent. Only owners and moderators may add.
func (s *Service) AddParticipant(ctx context.Context, conversationID, actorID string, identity types.Sender, role types.ParticipantRole) (*types.Participant, error) {
	if _, err := s.requireModerator(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	if role == "" {
		role = types.RoleParticipant
	}
	p := &types.Participant{ConversationID: conversationID, Identity: identity, Role: role}
	switch identity.Kind() {
	case types.SenderAI:
		profile, err := s.agents.GetAgent(ctx, identity.ID())
		if err != nil {
			return nil, invalidRequest("unknown agent %s", identity.ID()).WithCause(err)
		}
		if role != types.RoleParticipant {
			return nil, invalidRequest("agents cannot hold role %s", role)
		}
		p.DisplayName = profile.Name
	case types.SenderUser:
		p.NotificationsEnabled = true
	default:
		return nil, invalidRequest("participant identity is required")
	}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			return nil, types.NewError(types.ErrInvalidRequest, "already an active participant").WithHTTPStatus(409).WithCause(err)
		}
		return nil, err
	}
	return s.store.GetParticipant(ctx, conversationID, identity)
}

// RemoveParticipant soft-leaves a member. Users may remove themselves;
// removing anyone else needs moderator rights.
func (s *Service) RemoveParticipant(ctx context.Context, conversationID, actorID string, identity types.Sender) error {
	if identity != types.UserSender(actorID) {
		if _, err := s.requireModerator(ctx, conversationID, actorID); err != nil {
			return err
		}
	}
	return s.store.DeactivateParticipant(ctx, conversationID, identity)
}

// Pause stops new rounds from starting. In-flight invocations complete.
func (s *Service) Pause(ctx context.Context, conversationID, actorID string) (*types.Conversation, error) {
	return s.setStatus(ctx, conversationID, actorID, types.ConversationPaused)
}

// Resume reactivates a paused conversation.
func (s *Service) Resume(ctx context.Context, conversationID, actorID string) (*types.Conversation, error) {
	return s.setStatus(ctx, conversationID, actorID, types.ConversationActive)
}

// Archive soft-archives the conversation. It cannot be resumed.
func (s *Service) Archive(ctx context.Context, conversationID, actorID string) (*types.Conversation, error) {
	return s.setStatus(ctx, conversationID, actorID, types.ConversationArchived)
}

func (s *Service) setStatus(ctx context.Context, conversationID, actorID string, status types.ConversationStatus) (*types.Conversation, error) {
	if _, err := s.requireModerator(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	conv, err := s.store.UpdateConversation(ctx, conversationID, func(c *types.Conversation) error {
		if c.Status == types.ConversationArchived && status != types.ConversationArchived {
			return types.NewError(types.ErrConversationInactive, "conversation is archived").WithHTTPStatus(409)
		}
		c.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversation status changed",
		zap.String("conversation_id", conversationID),
		zap.String("status", string(status)),
		zap.String("actor", actorID))
	s.notifier.ConversationChanged(ctx, conv)
	return conv, nil
}

// UpdateSettings replaces the Emergent settings. Loops already running keep
// the snapshot they started with.
func (s *Service) UpdateSettings(ctx context.Context, conversationID, actorID string, settings types.EmergentSettings) (*types.Conversation, error) {
	if _, err := s.requireModerator(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	raw, err := settings.Encode()
	if err != nil {
		return nil, err
	}
	return s.store.UpdateConversation(ctx, conversationID, func(c *types.Conversation) error {
		if c.Mode != types.ModeEmergent {
			return types.NewError(types.ErrInvalidSettings, "emergent settings apply to emergent conversations only").WithHTTPStatus(400)
		}
		c.EmergentSettingsJSON = raw
		return nil
	})
}

// PostRequest is a human message.
type PostRequest struct {
	ConversationID    string   `json:"-"`
	UserID            string   `json:"-"`
	Content           string   `json:"content"`
	ParentMessageID   string   `json:"parent_message_id,omitempty"`
	MentionedAgentIDs []string `json:"mentioned_agent_ids,omitempty"`
}

// PostMessage persists a human message, queues it for publishing behind
// earlier messages of the conversation and starts the round loop in the
// background.
func (s *Service) PostMessage(ctx context.Context, req PostRequest) (*types.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, invalidRequest("content is required")
	}
	sender := types.UserSender(req.UserID)
	if _, err := s.requireMember(ctx, req.ConversationID, sender); err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive() {
		return nil, types.NewError(types.ErrConversationInactive,
			fmt.Sprintf("conversation is %s", conv.Status)).WithHTTPStatus(409)
	}

	mentions := req.MentionedAgentIDs
	if len(mentions) == 0 {
		profiles, err := s.activeAgents(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		mentions = ExtractMentions(content, profiles)
	}

	msg := &types.Message{
		ID:                uuid.New().String(),
		ConversationID:    req.ConversationID,
		Sender:            sender,
		Content:           content,
		Status:            types.MessageSent,
		ParentMessageID:   req.ParentMessageID,
		MentionedAgentIDs: mentions,
	}
	if p, err := s.store.GetParticipant(ctx, req.ConversationID, sender); err == nil {
		msg.SenderName = p.DisplayName
	}
	_, err = s.scheduler.outbox.Persist(ctx, s.store, msg, func(ctx context.Context) {
		c := conv
		if fresh, err := s.store.GetConversation(ctx, msg.ConversationID); err == nil {
			c = fresh
		}
		s.notifier.MessageCreated(ctx, c, msg)
	})
	if err != nil {
		return nil, err
	}

	if err := s.startLoop(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *Service) startLoop(ctx context.Context, trigger *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}

	base := context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(base)
	abortCtx, abort := context.WithCancel(context.Background())
	if s.loops[trigger.ConversationID] == nil {
		s.loops[trigger.ConversationID] = make(map[string]*runningLoop)
	}
	s.loops[trigger.ConversationID][trigger.ID] = &runningLoop{cancel: cancel, abort: abort}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		result, err := s.scheduler.Run(loopCtx, LoopRequest{Trigger: trigger, Abort: abortCtx})
		cancel()
		abort()
		s.forget(trigger.ConversationID, trigger.ID)

		if err != nil {
			s.logger.Error("round loop failed",
				zap.String("conversation_id", trigger.ConversationID),
				zap.String("trigger_id", trigger.ID),
				zap.Error(err))
		} else {
			s.logger.Info("round loop finished",
				zap.String("conversation_id", trigger.ConversationID),
				zap.String("trigger_id", trigger.ID),
				zap.Int("rounds", result.Rounds),
				zap.Int("messages", len(result.Messages)),
				zap.String("stop_reason", string(result.StopReason)))
		}
		if s.observer != nil {
			s.observer(result, err)
		}
	}()
	return nil
}

func (s *Service) forget(conversationID, triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loops[conversationID], triggerID)
	if len(s.loops[conversationID]) == 0 {
		delete(s.loops, conversationID)
	}
}

// CancelLoop stops every running loop of the conversation from starting
// another round. It returns how many loops were signalled.
func (s *Service) CancelLoop(conversationID string) int {
	return s.signal(conversationID, false)
}

// AbortLoop additionally cancels in-flight agent invocations.
func (s *Service) AbortLoop(conversationID string) int {
	return s.signal(conversationID, true)
}

func (s *Service) signal(conversationID string, hard bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.loops[conversationID] {
		l.cancel()
		if hard {
			l.abort()
		}
		n++
	}
	return n
}

// Cancel signals the conversation's running loops on behalf of a moderator.
// A hard cancel also aborts in-flight invocations.
func (s *Service) Cancel(ctx context.Context, conversationID, actorID string, hard bool) (int, error) {
	if _, err := s.requireModerator(ctx, conversationID, actorID); err != nil {
		return 0, err
	}
	n := s.signal(conversationID, hard)
	s.logger.Info("round loops cancelled",
		zap.String("conversation_id", conversationID),
		zap.String("actor", actorID),
		zap.Bool("hard", hard),
		zap.Int("loops", n))
	return n, nil
}

// ActiveLoops returns the number of running loops for a conversation.
func (s *Service) ActiveLoops(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops[conversationID])
}

// ApproveMessage publishes a pending agent reply of a moderated conversation.
func (s *Service) ApproveMessage(ctx context.Context, conversationID, messageID, moderatorID string) (*types.Message, error) {
	if _, err := s.requireModerator(ctx, conversationID, moderatorID); err != nil {
		return nil, err
	}
	msg, err := s.store.TransitionMessage(ctx, conversationID, messageID, types.MessagePending, types.MessageSent)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return msg, err
	}
	s.await(ctx, s.scheduler.outbox.Enqueue(ctx, conversationID, func(ctx context.Context) {
		s.notifier.MessageCreated(ctx, conv, msg)
		s.scheduler.ProposeFrom(ctx, conv, msg)
	}))
	s.logger.Info("pending message approved",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
		zap.String("moderator", moderatorID))
	return msg, nil
}

// RejectMessage marks a pending agent reply as failed. The rejection stays
// visible in the transcript.
func (s *Service) RejectMessage(ctx context.Context, conversationID, messageID, moderatorID string) (*types.Message, error) {
	if _, err := s.requireModerator(ctx, conversationID, moderatorID); err != nil {
		return nil, err
	}
	msg, err := s.store.TransitionMessage(ctx, conversationID, messageID, types.MessagePending, types.MessageFailed)
	if err != nil {
		return nil, err
	}
	if conv, err := s.store.GetConversation(ctx, conversationID); err == nil {
		s.await(ctx, s.scheduler.outbox.Enqueue(ctx, conversationID, func(ctx context.Context) {
			s.notifier.MessageCreated(ctx, conv, msg)
		}))
	}
	return msg, nil
}

// await waits for a moderation event to be delivered so the caller sees it
// published. Giving up early leaves it queued.
func (s *Service) await(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ListMessages returns messages after a sequence number for reconnect
// catch-up. Inner dialogue is omitted unless requested; pending messages are
// shown to moderators only.
func (s *Service) ListMessages(ctx context.Context, conversationID string, caller types.Sender, afterSeq int64, limit int, includeInner bool) ([]*types.Message, error) {
	member, err := s.requireMember(ctx, conversationID, caller)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	msgs, err := s.store.ListMessagesAfter(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.IsInnerDialogue && !includeInner {
			continue
		}
		if m.Status == types.MessagePending && !member.Role.CanModerate() {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Shutdown cancels every running loop and waits for them to finish or for
// ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, loops := range s.loops {
		for _, l := range loops {
			l.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.scheduler.outbox.Wait(ctx)
	case <-ctx.Done():
		s.mu.Lock()
		for _, loops := range s.loops {
			for _, l := range loops {
				l.abort()
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Wait blocks until all background loops have finished. Intended for tests
// and graceful shutdown.
func (s *Service) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Service) activeAgents(ctx context.Context, conversationID string) ([]types.AgentProfile, error) {
	participants, err := s.store.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	var out []types.AgentProfile
	for _, p := range participants {
		agentID, ok := p.Identity.AgentID()
		if !ok {
			continue
		}
		profile, err := s.agents.GetAgent(ctx, agentID)
		if err != nil {
			continue
		}
		out = append(out, *profile)
	}
	return out, nil
}

func (s *Service) requireMember(ctx context.Context, conversationID string, identity types.Sender) (*types.Participant, error) {
	p, err := s.store.GetParticipant(ctx, conversationID, identity)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, types.NewError(types.ErrNotParticipant, "participant has left the conversation").WithHTTPStatus(403)
	}
	return p, nil
}

func (s *Service) requireModerator(ctx context.Context, conversationID, userID string) (*types.Participant, error) {
	p, err := s.requireMember(ctx, conversationID, types.UserSender(userID))
	if err != nil {
		return nil, err
	}
	if !p.Role.CanModerate() {
		return nil, types.NewError(types.ErrForbidden, "owner or moderator role required").WithHTTPStatus(403)
	}
	return p, nil
}

func invalidRequest(format string, args ...any) *types.Error {
	return types.NewError(types.ErrInvalidRequest, fmt.Sprintf(format, args...)).WithHTTPStatus(400)
}
