package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/roundtable/types"
)

// MemoryConversationStore 是 ConversationStore 的内存实现。
// 适合开发和测试，重启后数据丢失。所有写操作在同一把锁下执行，
// 因此序号分配天然是单写者。
type MemoryConversationStore struct {
	mu            sync.RWMutex
	closed        bool
	conversations map[string]*types.Conversation
	participants  map[string][]*types.Participant // conversationID -> members
	messages      map[string][]*types.Message     // conversationID -> ordered by sequence
	sequences     map[string]int64                // conversationID -> last assigned
	now           func() time.Time
}

// NewMemoryConversationStore 创建内存会话存储
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string]*types.Conversation),
		participants:  make(map[string][]*types.Participant),
		messages:      make(map[string][]*types.Message),
		sequences:     make(map[string]int64),
		now:           time.Now,
	}
}

// Close 关闭存储
func (s *MemoryConversationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping 检查存储是否可用
func (s *MemoryConversationStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryConversationStore) CreateConversation(ctx context.Context, conv *types.Conversation, participants []*types.Participant) error {
	if conv == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return ErrAlreadyExists
	}
	if conv.Status == "" {
		conv.Status = types.ConversationActive
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	members := make([]*types.Participant, 0, len(participants))
	for i, p := range participants {
		if p == nil || p.Identity.IsZero() {
			return ErrInvalidInput
		}
		p.ConversationID = conv.ID
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.JoinedAt.IsZero() {
			// keep declaration order stable when the caller did not set times
			p.JoinedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		if p.Role == "" {
			p.Role = types.RoleParticipant
		}
		p.IsActive = true
		cp := *p
		members = append(members, &cp)
	}

	cp := *conv
	s.conversations[conv.ID] = &cp
	s.participants[conv.ID] = members
	return nil
}

func (s *MemoryConversationStore) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, conversationNotFound(conversationID)
	}
	cp := *conv
	return &cp, nil
}

func (s *MemoryConversationStore) UpdateConversation(ctx context.Context, conversationID string, fn func(*types.Conversation) error) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, conversationNotFound(conversationID)
	}

	draft := *conv
	if err := fn(&draft); err != nil {
		return nil, err
	}
	// counters and identity belong to the store
	conv.Title = draft.Title
	conv.Mode = draft.Mode
	conv.ModeratedSelection = draft.ModeratedSelection
	conv.Status = draft.Status
	conv.MaxTurns = draft.MaxTurns
	conv.MaxTokens = draft.MaxTokens
	conv.EmergentSettingsJSON = draft.EmergentSettingsJSON
	conv.UpdatedAt = s.now()

	cp := *conv
	return &cp, nil
}

func (s *MemoryConversationStore) AddParticipant(ctx context.Context, p *types.Participant) error {
	if p == nil || p.Identity.IsZero() || p.ConversationID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.conversations[p.ConversationID]; !ok {
		return conversationNotFound(p.ConversationID)
	}

	now := s.now()
	for _, existing := range s.participants[p.ConversationID] {
		if existing.Identity != p.Identity {
			continue
		}
		if existing.IsActive {
			return ErrAlreadyExists
		}
		existing.IsActive = true
		existing.LeftAt = nil
		existing.JoinedAt = now
		if p.Role != "" {
			existing.Role = p.Role
		}
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		*p = *existing
		return nil
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.Role == "" {
		p.Role = types.RoleParticipant
	}
	p.IsActive = true
	cp := *p
	s.participants[p.ConversationID] = append(s.participants[p.ConversationID], &cp)
	return nil
}

func (s *MemoryConversationStore) DeactivateParticipant(ctx context.Context, conversationID string, identity types.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	p := s.findParticipant(conversationID, identity)
	if p == nil || !p.IsActive {
		return participantNotFound(conversationID, identity)
	}
	now := s.now()
	p.IsActive = false
	p.LeftAt = &now
	return nil
}

func (s *MemoryConversationStore) GetParticipant(ctx context.Context, conversationID string, identity types.Sender) (*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	p := s.findParticipant(conversationID, identity)
	if p == nil {
		return nil, participantNotFound(conversationID, identity)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryConversationStore) ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversationNotFound(conversationID)
	}

	out := make([]*types.Participant, 0, len(s.participants[conversationID]))
	for _, p := range s.participants[conversationID] {
		if activeOnly && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	SortByJoinOrder(out)
	return out, nil
}

func (s *MemoryConversationStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.ConversationID == "" || msg.Sender.IsZero() {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.ErrSequenceUnavailable, "sequence store closed").
			WithCause(ErrStoreClosed).WithRetryable(true)
	}
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return conversationNotFound(msg.ConversationID)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Status == "" {
		msg.Status = types.MessageSent
	}

	s.sequences[msg.ConversationID]++
	msg.SequenceNumber = s.sequences[msg.ConversationID]

	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	applyCounters(conv, msg)
	return nil
}

func (s *MemoryConversationStore) GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	m := s.findMessage(conversationID, messageID)
	if m == nil {
		return nil, messageNotFound(messageID)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryConversationStore) TransitionMessage(ctx context.Context, conversationID, messageID string, from, to types.MessageStatus) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	m := s.findMessage(conversationID, messageID)
	if m == nil {
		return nil, messageNotFound(messageID)
	}
	if m.Status != from {
		return nil, invalidTransition("message", messageID, from, m.Status)
	}
	m.Status = to
	cp := *m
	return &cp, nil
}

func (s *MemoryConversationStore) ListMessagesAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversationNotFound(conversationID)
	}

	all := s.messages[conversationID]
	// sequence numbers are dense from 1, so index == seq-1
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(all) {
		return []*types.Message{}, nil
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]*types.Message, 0, end-start)
	for _, m := range all[start:end] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversationNotFound(conversationID)
	}

	all := s.messages[conversationID]
	var picked []*types.Message
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(picked) >= limit {
			break
		}
		if !all[i].Deliverable() {
			continue
		}
		cp := *all[i]
		picked = append(picked, &cp)
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked, nil
}

func (s *MemoryConversationStore) MarkRead(ctx context.Context, conversationID string, identity types.Sender, messageID string) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	p := s.findParticipant(conversationID, identity)
	if p == nil || !p.IsActive {
		return nil, participantNotFound(conversationID, identity)
	}
	m := s.findMessage(conversationID, messageID)
	if m == nil {
		return nil, messageNotFound(messageID)
	}
	if m.SequenceNumber > p.LastSeenSequence {
		p.LastSeenSequence = m.SequenceNumber
		p.LastSeenMessageID = m.ID
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryConversationStore) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	identity := types.UserSender(userID)
	p := s.findParticipant(conversationID, identity)
	if p == nil {
		return 0, participantNotFound(conversationID, identity)
	}

	var count int64
	for _, m := range s.messages[conversationID] {
		if m.SequenceNumber <= p.LastSeenSequence || !m.Deliverable() || m.Sender == identity {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryConversationStore) findParticipant(conversationID string, identity types.Sender) *types.Participant {
	for _, p := range s.participants[conversationID] {
		if p.Identity == identity {
			return p
		}
	}
	return nil
}

func (s *MemoryConversationStore) findMessage(conversationID, messageID string) *types.Message {
	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// SortByJoinOrder orders participants by JoinedAt, then ID.
func SortByJoinOrder(ps []*types.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
