package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/internal/fanout"
	"github.com/BaSui01/roundtable/types"
)

// Realtime verbs accepted from clients.
const (
	VerbJoinConversation   = "join_conversation"
	VerbLeaveConversation  = "leave_conversation"
	VerbJoinNotifications  = "join_notifications"
	VerbLeaveNotifications = "leave_notifications"
	VerbMarkAsRead         = "mark_as_read"
)

// readLimit bounds one inbound frame.
const readLimit = 64 << 10

// RealtimeHub 是实时连接处理器使用的 fanout 能力
type RealtimeHub interface {
	Connect(identity fanout.Identity) *fanout.Client
	Disconnect(c *fanout.Client)
	JoinConversation(ctx context.Context, c *fanout.Client, orgID, conversationID string) error
	LeaveConversation(c *fanout.Client, orgID, conversationID string)
	JoinNotifications(c *fanout.Client, orgID string) error
	LeaveNotifications(c *fanout.Client, orgID string)
	MarkRead(ctx context.Context, c *fanout.Client, conversationID, messageID string) (int64, error)
}

// RealtimeOptions 调整连接行为
type RealtimeOptions struct {
	// OriginPatterns 为跨域允许的 Origin；同源请求总是允许
	OriginPatterns []string
	WriteTimeout   time.Duration
	// PingInterval 为 0 时不发送 ping
	PingInterval time.Duration
}

// RealtimeHandler 处理 GET /ws。连接建立前解析身份，之后客户端通过
// 动词加入或离开分组，服务端推送 fanout.Event。
type RealtimeHandler struct {
	hub      RealtimeHub
	resolver fanout.IdentityResolver
	opts     RealtimeOptions
	logger   *zap.Logger
}

// NewRealtimeHandler 创建实时连接处理器
func NewRealtimeHandler(hub RealtimeHub, resolver fanout.IdentityResolver, opts RealtimeOptions, logger *zap.Logger) *RealtimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &RealtimeHandler{hub: hub, resolver: resolver, opts: opts, logger: logger.With(zap.String("handler", "realtime"))}
}

// Frame 是客户端发来的请求帧
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	// OrganizationID 只对 bypass 身份生效，其余身份固定使用自身组织
	OrganizationID string `json:"organization_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// Ack 是对每个请求帧的回执
type Ack struct {
	Type      string     `json:"type"` // always "ack"
	RequestID string     `json:"request_id,omitempty"`
	Verb      string     `json:"verb"`
	OK        bool       `json:"ok"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// HandleWS 升级连接并运行读写循环，直到任一方关闭或 hub 关闭。
func (h *RealtimeHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.Resolve(r.Context(), credential(r))
	if err != nil {
		WriteError(w, types.NewError(types.ErrUnauthorized, "invalid realtime credential").
			WithCause(err).WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		// Accept already wrote the failure response
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	client := h.hub.Connect(identity)
	defer h.hub.Disconnect(client)
	log := h.logger.With(zap.String("client_id", client.ID()), zap.String("user_id", identity.UserID))
	log.Info("realtime client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, cancel, conn, client, log)
	if h.opts.PingInterval > 0 {
		go h.pingLoop(ctx, cancel, conn)
	}

	h.readLoop(ctx, conn, client, log)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Info("realtime client disconnected", zap.Int64("dropped_events", client.Dropped()))
}

// credential 优先读取 Authorization: Bearer，浏览器无法设置头时回退到 ?token=
func credential(r *http.Request) string {
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return r.URL.Query().Get("token")
}

func (h *RealtimeHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *fanout.Client, log *zap.Logger) {
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Debug("realtime read ended", zap.Error(err))
			}
			return
		}
		ack := h.dispatch(ctx, client, f)
		if err := h.write(ctx, conn, ack); err != nil {
			log.Debug("write ack failed", zap.Error(err))
			return
		}
	}
}

func (h *RealtimeHandler) dispatch(ctx context.Context, client *fanout.Client, f Frame) Ack {
	ack := Ack{Type: "ack", RequestID: f.RequestID, Verb: f.Type}
	identity := client.Identity()
	orgID := identity.OrganizationID
	if identity.Bypass && f.OrganizationID != "" {
		orgID = f.OrganizationID
	}

	var err error
	switch f.Type {
	case VerbJoinConversation:
		if err = requireField("conversation_id", f.ConversationID); err == nil {
			err = h.hub.JoinConversation(ctx, client, orgID, f.ConversationID)
		}
	case VerbLeaveConversation:
		if err = requireField("conversation_id", f.ConversationID); err == nil {
			h.hub.LeaveConversation(client, orgID, f.ConversationID)
		}
	case VerbJoinNotifications:
		err = h.hub.JoinNotifications(client, orgID)
	case VerbLeaveNotifications:
		h.hub.LeaveNotifications(client, orgID)
	case VerbMarkAsRead:
		if err = requireField("conversation_id", f.ConversationID); err == nil {
			if err = requireField("message_id", f.MessageID); err == nil {
				var unread int64
				unread, err = h.hub.MarkRead(ctx, client, f.ConversationID, f.MessageID)
				ack.Data = fanout.UnreadCount{ConversationID: f.ConversationID, Count: unread}
			}
		}
	default:
		err = types.NewError(types.ErrInvalidRequest, "unknown verb "+f.Type)
	}

	if err != nil {
		ack.Data = nil
		ack.Error = errorInfo(err)
		return ack
	}
	ack.OK = true
	return ack
}

func requireField(name, value string) error {
	if value == "" {
		return types.NewError(types.ErrInvalidRequest, name+" is required")
	}
	return nil
}

func errorInfo(err error) *ErrorInfo {
	apiErr, ok := types.AsError(err)
	if !ok {
		apiErr = types.NewError(types.ErrInternalError, "internal error")
	}
	return &ErrorInfo{Code: string(apiErr.Code), Message: apiErr.Message, Retryable: apiErr.Retryable}
}

// writeLoop 转发 hub 事件。事件通道关闭意味着 hub 正在关闭。
func (h *RealtimeHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *fanout.Client, log *zap.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				log.Debug("write event failed", zap.String("type", string(ev.Type)), zap.Error(err))
				return
			}
		}
	}
}

func (h *RealtimeHandler) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				cancel()
				return
			}
		}
	}
}

func (h *RealtimeHandler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}
