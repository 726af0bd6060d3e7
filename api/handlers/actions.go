package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// ActionGate 是 ActionHandler 依赖的审批闸门
type ActionGate interface {
	Get(ctx context.Context, id string) (*types.PendingAction, error)
	Approve(ctx context.Context, id, reviewer string) (*types.PendingAction, error)
	ApproveWithModifications(ctx context.Context, id, reviewer string, modifications json.RawMessage) (*types.PendingAction, error)
	Reject(ctx context.Context, id, reviewer, reason string) (*types.PendingAction, error)
	ListActive(ctx context.Context, organizationID, conversationID string) ([]*types.PendingAction, error)
	History(ctx context.Context, organizationID, entityType, entityID string) ([]*types.PendingAction, error)
}

// MembershipChecker 校验调用方是否为会话成员
type MembershipChecker interface {
	Get(ctx context.Context, conversationID string, caller types.Sender) (*types.Conversation, error)
}

// ActionHandler 待审批动作处理器。动作按组织隔离；
// 属于某个会话的动作还要求审批人是该会话的活跃成员。
type ActionHandler struct {
	gate    ActionGate
	members MembershipChecker
	logger  *zap.Logger
}

// NewActionHandler 创建动作处理器。members 为 nil 时只做组织隔离。
func NewActionHandler(gate ActionGate, members MembershipChecker, logger *zap.Logger) *ActionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionHandler{gate: gate, members: members, logger: logger.With(zap.String("handler", "actions"))}
}

// Register 挂载动作路由
func (h *ActionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/actions", h.HandleList)
	mux.HandleFunc("GET /api/v1/actions/history", h.HandleHistory)
	mux.HandleFunc("GET /api/v1/actions/{id}", h.scoped(h.handleGet))
	mux.HandleFunc("POST /api/v1/actions/{id}/approve", h.scoped(h.handleApprove))
	mux.HandleFunc("POST /api/v1/actions/{id}/modify", h.scoped(h.handleModify))
	mux.HandleFunc("POST /api/v1/actions/{id}/reject", h.scoped(h.handleReject))
}

type actionFunc func(w http.ResponseWriter, r *http.Request, caller types.Caller, action *types.PendingAction)

func (h *ActionHandler) scoped(next actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		id := r.PathValue("id")
		action, err := h.gate.Get(r.Context(), id)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		if action.OrganizationID != caller.OrganizationID || !h.canSee(r.Context(), caller, action.ConversationID) {
			WriteError(w, actionHidden(id), h.logger)
			return
		}
		next(w, r, caller, action)
	}
}

func (h *ActionHandler) canSee(ctx context.Context, caller types.Caller, conversationID string) bool {
	if conversationID == "" || h.members == nil {
		return true
	}
	_, err := h.members.Get(ctx, conversationID, types.UserSender(caller.UserID))
	return err == nil
}

func actionHidden(id string) *types.Error {
	return types.NewError(types.ErrActionNotFound, "pending action "+id+" not found").WithHTTPStatus(http.StatusNotFound)
}

// HandleList 处理 GET /api/v1/actions?conversation_id=，返回等待审批的动作
func (h *ActionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	convID := r.URL.Query().Get("conversation_id")
	if convID != "" && !h.canSee(r.Context(), caller, convID) {
		WriteError(w, conversationHidden(convID), h.logger)
		return
	}
	actions, err := h.gate.ListActive(r.Context(), caller.OrganizationID, convID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, h.visible(r.Context(), caller, actions))
}

// HandleHistory 处理 GET /api/v1/actions/history?entity_type=&entity_id=
func (h *ActionHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	q := r.URL.Query()
	entityType, entityID := q.Get("entity_type"), q.Get("entity_id")
	if entityType == "" || entityID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "entity_type and entity_id are required").WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	actions, err := h.gate.History(r.Context(), caller.OrganizationID, entityType, entityID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, h.visible(r.Context(), caller, actions))
}

// visible 过滤掉调用方不在其会话中的动作，每个会话只校验一次
func (h *ActionHandler) visible(ctx context.Context, caller types.Caller, actions []*types.PendingAction) []*types.PendingAction {
	seen := make(map[string]bool)
	out := make([]*types.PendingAction, 0, len(actions))
	for _, a := range actions {
		ok, cached := seen[a.ConversationID]
		if !cached {
			ok = h.canSee(ctx, caller, a.ConversationID)
			seen[a.ConversationID] = ok
		}
		if ok {
			out = append(out, a)
		}
	}
	return out
}

func (h *ActionHandler) handleGet(w http.ResponseWriter, r *http.Request, _ types.Caller, action *types.PendingAction) {
	WriteSuccess(w, action)
}

func (h *ActionHandler) handleApprove(w http.ResponseWriter, r *http.Request, caller types.Caller, action *types.PendingAction) {
	h.respond(w, action.ID, caller)(h.gate.Approve(r.Context(), action.ID, caller.UserID))
}

type modifyRequest struct {
	Modifications json.RawMessage `json:"modifications"`
}

func (h *ActionHandler) handleModify(w http.ResponseWriter, r *http.Request, caller types.Caller, action *types.PendingAction) {
	var req modifyRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Modifications) == 0 {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "modifications are required").WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	h.respond(w, action.ID, caller)(h.gate.ApproveWithModifications(r.Context(), action.ID, caller.UserID, req.Modifications))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *ActionHandler) handleReject(w http.ResponseWriter, r *http.Request, caller types.Caller, action *types.PendingAction) {
	var req rejectRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	h.respond(w, action.ID, caller)(h.gate.Reject(r.Context(), action.ID, caller.UserID, req.Reason))
}

// respond 写出审批结果。执行失败不是请求错误：动作以 failed 状态返回 200。
func (h *ActionHandler) respond(w http.ResponseWriter, id string, caller types.Caller) func(*types.PendingAction, error) {
	return func(action *types.PendingAction, err error) {
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.logger.Info("pending action reviewed",
			zap.String("action_id", id),
			zap.String("reviewer", caller.UserID),
			zap.String("status", string(action.Status)))
		WriteSuccess(w, action)
	}
}
