package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/hitl"
	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

type membershipFunc func(ctx context.Context, conversationID string, caller types.Sender) (*types.Conversation, error)

func (f membershipFunc) Get(ctx context.Context, conversationID string, caller types.Sender) (*types.Conversation, error) {
	return f(ctx, conversationID, caller)
}

type actionFixture struct {
	gate     *hitl.Gate
	entities *hitl.MemoryEntities
	mux      *http.ServeMux
}

func newActionFixture(t *testing.T) *actionFixture {
	t.Helper()
	entities := hitl.NewMemoryEntities()
	gate := hitl.NewGate(persistence.NewMemoryActionStore(), entities, hitl.Config{}, zap.NewNop(), hitl.WithSnapshotter(entities))
	// only u1 belongs to conversation c1
	members := membershipFunc(func(_ context.Context, id string, caller types.Sender) (*types.Conversation, error) {
		if id == "c1" && caller == types.UserSender("u1") {
			return &types.Conversation{ID: id, OrganizationID: "org"}, nil
		}
		return nil, types.NewError(types.ErrNotParticipant, "not a member")
	})
	mux := http.NewServeMux()
	NewActionHandler(gate, members, zap.NewNop()).Register(mux)
	return &actionFixture{gate: gate, entities: entities, mux: mux}
}

func (f *actionFixture) propose(t *testing.T, orgID, convID, data string) *types.PendingAction {
	t.Helper()
	a, err := f.gate.Propose(context.Background(), &types.PendingAction{
		OrganizationID: orgID,
		ConversationID: convID,
		AgentID:        "agent-ada",
		ActionType:     types.ActionCreate,
		EntityType:     "task",
		ProposedData:   json.RawMessage(data),
	})
	require.NoError(t, err)
	return a
}

func (f *actionFixture) do(t *testing.T, method, target, body, orgID, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r = withCaller(r, orgID, userID)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func decodeAction(t *testing.T, w *httptest.ResponseRecorder) types.PendingAction {
	t.Helper()
	var resp struct {
		Data types.PendingAction `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Data
}

func TestActionHandler_ListScopesByOrganizationAndMembership(t *testing.T) {
	f := newActionFixture(t)
	mine := f.propose(t, "org", "c1", `{"title":"a"}`)
	f.propose(t, "org", "c2", `{"title":"b"}`)
	f.propose(t, "other", "", `{"title":"c"}`)
	standalone := f.propose(t, "org", "", `{"title":"d"}`)

	w := f.do(t, http.MethodGet, "/api/v1/actions", "", "org", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []types.PendingAction `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	ids := make([]string, 0, len(resp.Data))
	for _, a := range resp.Data {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{mine.ID, standalone.ID}, ids)

	w = f.do(t, http.MethodGet, "/api/v1/actions?conversation_id=c2", "", "org", "u1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActionHandler_ApproveExecutes(t *testing.T) {
	f := newActionFixture(t)
	a := f.propose(t, "org", "c1", `{"title":"ship it"}`)

	w := f.do(t, http.MethodPost, "/api/v1/actions/"+a.ID+"/approve", "", "org", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeAction(t, w)
	assert.Equal(t, types.ActionExecuted, got.Status)
	assert.Equal(t, "u1", got.ReviewedBy)
	assert.NotEmpty(t, got.EntityID)

	w = f.do(t, http.MethodPost, "/api/v1/actions/"+a.ID+"/approve", "", "org", "u1")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestActionHandler_Modify(t *testing.T) {
	f := newActionFixture(t)
	a := f.propose(t, "org", "", `{"title":"draft","priority":1}`)

	w := f.do(t, http.MethodPost, "/api/v1/actions/"+a.ID+"/modify", `{"modifications":{"priority":3}}`, "org", "u5")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeAction(t, w)
	assert.JSONEq(t, `{"title":"draft","priority":3}`, string(got.FinalData))

	b := f.propose(t, "org", "", `{"title":"x"}`)
	w = f.do(t, http.MethodPost, "/api/v1/actions/"+b.ID+"/modify", `{}`, "org", "u5")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActionHandler_RejectNeedsReason(t *testing.T) {
	f := newActionFixture(t)
	a := f.propose(t, "org", "c1", `{"title":"x"}`)

	w := f.do(t, http.MethodPost, "/api/v1/actions/"+a.ID+"/reject", `{"reason":"  "}`, "org", "u1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrRejectionReasonRequired), decodeResponse(t, w).Error.Code)

	w = f.do(t, http.MethodPost, "/api/v1/actions/"+a.ID+"/reject", `{"reason":"duplicate"}`, "org", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeAction(t, w)
	assert.Equal(t, types.ActionRejected, got.Status)
	assert.Equal(t, "duplicate", got.RejectionReason)
}

func TestActionHandler_HidesForeignActions(t *testing.T) {
	f := newActionFixture(t)
	foreign := f.propose(t, "other", "", `{"title":"x"}`)
	inOtherConversation := f.propose(t, "org", "c2", `{"title":"y"}`)

	for _, id := range []string{foreign.ID, inOtherConversation.ID, "missing"} {
		w := f.do(t, http.MethodGet, "/api/v1/actions/"+id, "", "org", "u1")
		assert.Equal(t, http.StatusNotFound, w.Code, id)
	}
}

func TestActionHandler_History(t *testing.T) {
	f := newActionFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/actions/history?entity_type=task", "", "org", "u1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	a := f.propose(t, "org", "", `{"title":"x"}`)
	w = f.do(t, http.MethodPost, "/api/v1/actions/"+a.ID+"/approve", "", "org", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	entityID := decodeAction(t, w).EntityID

	w = f.do(t, http.MethodGet, "/api/v1/actions/history?entity_type=task&entity_id="+entityID, "", "org", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []types.PendingAction `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, a.ID, resp.Data[0].ID)
}
