package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

// ErrNotParticipant is the cause of every refused conversation join.
var ErrNotParticipant = errors.New("not an active participant")

// ErrClientClosed is returned for operations on a disconnected client.
var ErrClientClosed = errors.New("client is disconnected")

// Store is the slice of the conversation store fanout reads.
// persistence.ConversationStore satisfies it.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)
	GetParticipant(ctx context.Context, conversationID string, identity types.Sender) (*types.Participant, error)
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]*types.Participant, error)
	MarkRead(ctx context.Context, conversationID string, identity types.Sender, messageID string) (*types.Participant, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
}

// UnreadCounter computes per-user unread counts. Implementations that cache
// may also implement Forget to drop a stale value.
type UnreadCounter interface {
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
}

type forgetter interface {
	Forget(ctx context.Context, conversationID, userID string) error
}

// Bridge carries published events to other nodes.
type Bridge interface {
	Publish(ctx context.Context, ev Event) error
}

// Recorder receives fanout metrics.
type Recorder interface {
	RecordFanoutDelivered(eventType string)
	RecordFanoutDropped(eventType string)
	SetFanoutClients(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordFanoutDelivered(string) {}
func (nopRecorder) RecordFanoutDropped(string)   {}
func (nopRecorder) SetFanoutClients(int)         {}

// Client is one connected realtime subscriber.
type Client struct {
	id       string
	identity Identity
	send     chan Event
	groups   map[string]struct{} // guarded by Hub.mu
	closed   bool                // guarded by Hub.mu
	dropped  atomic.Int64
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns who the client authenticated as.
func (c *Client) Identity() Identity { return c.identity }

// Events yields delivered events. It is closed on Disconnect.
func (c *Client) Events() <-chan Event { return c.send }

// Dropped counts events discarded because the buffer was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// HubConfig tunes client buffers.
type HubConfig struct {
	ClientBuffer int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBridge forwards every Publish to other nodes.
func WithBridge(b Bridge) HubOption {
	return func(h *Hub) { h.bridge = b }
}

// WithUnreadCounter replaces the store as the unread count source.
func WithUnreadCounter(u UnreadCounter) HubOption {
	return func(h *Hub) { h.unread = u }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) HubOption {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// Hub tracks clients and group membership on this node.
type Hub struct {
	store    Store
	unread   UnreadCounter
	bridge   Bridge
	recorder Recorder
	cfg      HubConfig
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[*Client]struct{}
}

// NewHub creates a hub.
func NewHub(store Store, cfg HubConfig, logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	h := &Hub{
		store:    store,
		unread:   store,
		recorder: nopRecorder{},
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "fanout")),
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a client for identity.
func (h *Hub) Connect(identity Identity) *Client {
	c := &Client{
		id:       uuid.New().String(),
		identity: identity,
		send:     make(chan Event, h.cfg.ClientBuffer),
		groups:   make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.recorder.SetFanoutClients(n)
	h.logger.Debug("client connected", zap.String("client_id", c.id), zap.String("user_id", identity.UserID))
	return c
}

// Disconnect removes c from every group and closes its event channel.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	for g := range c.groups {
		h.removeLocked(c, g)
	}
	c.closed = true
	close(c.send)
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	h.recorder.SetFanoutClients(n)
}

// JoinConversation subscribes c to a conversation's events. The caller must
// be an active participant of a conversation in orgID unless it holds a
// bypass identity.
func (h *Hub) JoinConversation(ctx context.Context, c *Client, orgID, conversationID string) error {
	if !c.identity.Bypass {
		if err := h.checkParticipant(ctx, c.identity, orgID, conversationID); err != nil {
			return err
		}
	}
	return h.join(c, ConversationGroup(orgID, conversationID))
}

func (h *Hub) checkParticipant(ctx context.Context, id Identity, orgID, conversationID string) error {
	refuse := func(cause error) error {
		return types.NewError(types.ErrNotParticipant,
			fmt.Sprintf("user %s may not join conversation %s", id.UserID, conversationID)).
			WithCause(errors.Join(ErrNotParticipant, cause)).WithHTTPStatus(403)
	}
	if id.OrganizationID != orgID {
		return refuse(nil)
	}
	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return refuse(err)
		}
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.OrganizationID != orgID {
		return refuse(nil)
	}
	p, err := h.store.GetParticipant(ctx, conversationID, types.UserSender(id.UserID))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return refuse(err)
		}
		return fmt.Errorf("load participant: %w", err)
	}
	if !p.IsActive {
		return refuse(nil)
	}
	return nil
}

// LeaveConversation unsubscribes c from a conversation.
func (h *Hub) LeaveConversation(c *Client, orgID, conversationID string) {
	h.leave(c, ConversationGroup(orgID, conversationID))
}

// JoinNotifications subscribes c to its own notification group.
func (h *Hub) JoinNotifications(c *Client, orgID string) error {
	if !c.identity.Bypass && c.identity.OrganizationID != orgID {
		return types.NewError(types.ErrForbidden, "organization mismatch").WithHTTPStatus(403)
	}
	return h.join(c, NotificationGroup(orgID, c.identity.UserID))
}

// LeaveNotifications unsubscribes c from its notification group.
func (h *Hub) LeaveNotifications(c *Client, orgID string) {
	h.leave(c, NotificationGroup(orgID, c.identity.UserID))
}

func (h *Hub) join(c *Client, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
	c.groups[group] = struct{}{}
	return nil
}

func (h *Hub) leave(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, group)
}

func (h *Hub) removeLocked(c *Client, group string) {
	delete(c.groups, group)
	members := h.groups[group]
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Publish delivers ev to local members of ev.Group and forwards it to the
// bridge. It never blocks on a slow client.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.Deliver(ev)
	if h.bridge == nil {
		return
	}
	if err := h.bridge.Publish(ctx, ev); err != nil {
		h.logger.Warn("bridge publish failed",
			zap.String("group", ev.Group),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// Deliver hands ev to local group members only. Full buffers drop the event
// for that client.
func (h *Hub) Deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[ev.Group] {
		select {
		case c.send <- ev:
			h.recorder.RecordFanoutDelivered(string(ev.Type))
		default:
			c.dropped.Add(1)
			h.recorder.RecordFanoutDropped(string(ev.Type))
			h.logger.Debug("client buffer full, event dropped",
				zap.String("client_id", c.id),
				zap.String("type", string(ev.Type)))
		}
	}
}

// MarkRead moves the caller's read cursor to messageID and pushes the new
// unread count to the caller's notification group.
func (h *Hub) MarkRead(ctx context.Context, c *Client, conversationID, messageID string) (int64, error) {
	if _, err := h.store.MarkRead(ctx, conversationID, types.UserSender(c.identity.UserID), messageID); err != nil {
		return 0, err
	}
	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return h.RefreshUnread(ctx, conv.OrganizationID, conversationID, c.identity.UserID)
}

// RefreshUnread recomputes one user's unread count and publishes it.
func (h *Hub) RefreshUnread(ctx context.Context, orgID, conversationID, userID string) (int64, error) {
	if f, ok := h.unread.(forgetter); ok {
		if err := f.Forget(ctx, conversationID, userID); err != nil {
			h.logger.Debug("forget cached unread count failed", zap.Error(err))
		}
	}
	n, err := h.unread.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	h.Publish(ctx, UnreadCountEvent(orgID, userID, conversationID, n))
	return n, nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupSize returns the number of local members of group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Disconnect(c)
	}
}
