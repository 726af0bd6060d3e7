package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/conversation"
	"github.com/BaSui01/roundtable/types"
)

// ConversationService 是 ConversationHandler 依赖的会话服务
type ConversationService interface {
	Create(ctx context.Context, req conversation.CreateRequest) (*types.Conversation, error)
	Get(ctx context.Context, conversationID string, caller types.Sender) (*types.Conversation, error)
	Participants(ctx context.Context, conversationID string, caller types.Sender, all bool) ([]*types.Participant, error)
	AddParticipant(ctx context.Context, conversationID, actorID string, identity types.Sender, role types.ParticipantRole) (*types.Participant, error)
	RemoveParticipant(ctx context.Context, conversationID, actorID string, identity types.Sender) error
	Pause(ctx context.Context, conversationID, actorID string) (*types.Conversation, error)
	Resume(ctx context.Context, conversationID, actorID string) (*types.Conversation, error)
	Archive(ctx context.Context, conversationID, actorID string) (*types.Conversation, error)
	UpdateSettings(ctx context.Context, conversationID, actorID string, settings types.EmergentSettings) (*types.Conversation, error)
	PostMessage(ctx context.Context, req conversation.PostRequest) (*types.Message, error)
	Cancel(ctx context.Context, conversationID, actorID string, hard bool) (int, error)
	ApproveMessage(ctx context.Context, conversationID, messageID, moderatorID string) (*types.Message, error)
	RejectMessage(ctx context.Context, conversationID, messageID, moderatorID string) (*types.Message, error)
	ListMessages(ctx context.Context, conversationID string, caller types.Sender, afterSeq int64, limit int, includeInner bool) ([]*types.Message, error)
}

// ConversationHandler 会话 REST 处理器。所有路由都要求认证，
// 会话按调用方组织隔离：跨组织访问一律表现为不存在。
type ConversationHandler struct {
	svc    ConversationService
	logger *zap.Logger
}

// NewConversationHandler 创建会话处理器
func NewConversationHandler(svc ConversationService, logger *zap.Logger) *ConversationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationHandler{svc: svc, logger: logger.With(zap.String("handler", "conversations"))}
}

// Register 挂载会话路由
func (h *ConversationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/conversations", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/conversations/{id}", h.scoped(h.handleGet))
	mux.HandleFunc("GET /api/v1/conversations/{id}/participants", h.scoped(h.handleParticipants))
	mux.HandleFunc("POST /api/v1/conversations/{id}/participants", h.scoped(h.handleAddParticipant))
	mux.HandleFunc("DELETE /api/v1/conversations/{id}/participants/{kind}/{pid}", h.scoped(h.handleRemoveParticipant))
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", h.scoped(h.handleListMessages))
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", h.scoped(h.handlePost))
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages/{mid}/approve", h.scoped(h.handleApproveMessage))
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages/{mid}/reject", h.scoped(h.handleRejectMessage))
	mux.HandleFunc("POST /api/v1/conversations/{id}/pause", h.scoped(h.statusChange(h.svc.Pause)))
	mux.HandleFunc("POST /api/v1/conversations/{id}/resume", h.scoped(h.statusChange(h.svc.Resume)))
	mux.HandleFunc("POST /api/v1/conversations/{id}/archive", h.scoped(h.statusChange(h.svc.Archive)))
	mux.HandleFunc("POST /api/v1/conversations/{id}/cancel", h.scoped(h.handleCancel))
	mux.HandleFunc("PUT /api/v1/conversations/{id}/settings", h.scoped(h.handleSettings))
}

// scopedFunc 接收已通过组织与成员校验的会话
type scopedFunc func(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation)

// scoped 解析调用方并加载 {id} 会话。调用方不是成员或属于其他组织时返回 404，
// 不泄露会话是否存在。
func (h *ConversationHandler) scoped(next scopedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		id := r.PathValue("id")
		conv, err := h.svc.Get(r.Context(), id, types.UserSender(caller.UserID))
		if err != nil {
			if types.IsErrorCode(err, types.ErrNotParticipant) {
				err = conversationHidden(id)
			}
			WriteError(w, err, h.logger)
			return
		}
		if conv.OrganizationID != caller.OrganizationID {
			WriteError(w, conversationHidden(id), h.logger)
			return
		}
		next(w, r, caller, conv)
	}
}

func conversationHidden(id string) *types.Error {
	return types.NewError(types.ErrConversationNotFound, "conversation "+id+" not found").WithHTTPStatus(http.StatusNotFound)
}

// HandleCreate 处理 POST /api/v1/conversations。组织与创建者取自认证身份。
func (h *ConversationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	var req conversation.CreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.OrganizationID = caller.OrganizationID
	req.CreatedBy = caller.UserID

	conv, err := h.svc.Create(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("mode", string(conv.Mode)),
		zap.String("created_by", caller.UserID))
	WriteStatus(w, http.StatusCreated, conv)
}

func (h *ConversationHandler) handleGet(w http.ResponseWriter, r *http.Request, _ types.Caller, conv *types.Conversation) {
	WriteSuccess(w, conv)
}

func (h *ConversationHandler) handleParticipants(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	members, err := h.svc.Participants(r.Context(), conv.ID, types.UserSender(caller.UserID), queryBool(r, "all"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, members)
}

type addParticipantRequest struct {
	Identity types.Sender          `json:"identity"`
	Role     types.ParticipantRole `json:"role,omitempty"`
}

func (h *ConversationHandler) handleAddParticipant(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	var req addParticipantRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	p, err := h.svc.AddParticipant(r.Context(), conv.ID, caller.UserID, req.Identity, req.Role)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusCreated, p)
}

func (h *ConversationHandler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	identity, err := types.ParseSender(types.SenderKind(r.PathValue("kind")), r.PathValue("pid"))
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, err.Error()).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	if err := h.svc.RemoveParticipant(r.Context(), conv.ID, caller.UserID, identity); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages 支持断线重连补齐：?after=<sequence>&limit=&inner=true
func (h *ConversationHandler) handleListMessages(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	msgs, err := h.svc.ListMessages(r.Context(), conv.ID, types.UserSender(caller.UserID), after, int(limit), queryBool(r, "inner"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, msgs)
}

// handlePost 持久化人类消息并异步启动轮次循环，返回 202。
func (h *ConversationHandler) handlePost(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	var req conversation.PostRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.ConversationID = conv.ID
	req.UserID = caller.UserID

	msg, err := h.svc.PostMessage(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, msg)
}

func (h *ConversationHandler) handleApproveMessage(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	msg, err := h.svc.ApproveMessage(r.Context(), conv.ID, r.PathValue("mid"), caller.UserID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, msg)
}

func (h *ConversationHandler) handleRejectMessage(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	msg, err := h.svc.RejectMessage(r.Context(), conv.ID, r.PathValue("mid"), caller.UserID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, msg)
}

func (h *ConversationHandler) statusChange(change func(ctx context.Context, conversationID, actorID string) (*types.Conversation, error)) scopedFunc {
	return func(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
		updated, err := change(r.Context(), conv.ID, caller.UserID)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		WriteSuccess(w, updated)
	}
}

// handleCancel 停止运行中的轮次循环。?mode=hard 同时中止进行中的调用。
func (h *ConversationHandler) handleCancel(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	hard := strings.EqualFold(r.URL.Query().Get("mode"), "hard")
	n, err := h.svc.Cancel(r.Context(), conv.ID, caller.UserID, hard)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"cancelled_loops": n, "hard": hard})
}

func (h *ConversationHandler) handleSettings(w http.ResponseWriter, r *http.Request, caller types.Caller, conv *types.Conversation) {
	var settings types.EmergentSettings
	if err := DecodeJSONBody(w, r, &settings, h.logger); err != nil {
		return
	}
	updated, err := h.svc.UpdateSettings(r.Context(), conv.ID, caller.UserID, settings)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, updated)
}
