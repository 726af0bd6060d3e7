package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.MetricsPort = 0
	cfg.Agents = []config.AgentConfig{{ID: "ada", Name: "Ada", Provider: "openai", Model: "gpt-4o-mini"}}
	cfg.Realtime.BypassIdentities = map[string]config.BypassIdentity{
		"dev-token": {OrganizationID: "org-1", UserID: "u1"},
	}

	s, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown()
	})
	return s, ts
}

func do(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_HealthWithoutCredential(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/health", "/healthz", "/ready", "/version"} {
		resp := do(t, http.MethodGet, ts.URL+path, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), path)
	}
}

func TestServer_APIRequiresCredential(t *testing.T) {
	_, ts := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/actions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/actions", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ConversationRoundTrip(t *testing.T) {
	s, ts := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/conversations", "dev-token", map[string]any{
		"title":     "Launch plan",
		"mode":      "on_demand",
		"agent_ids": []string{"ada"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Success bool `json:"success"`
		Data    struct {
			ID             string `json:"id"`
			OrganizationID string `json:"organization_id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.True(t, created.Success)
	assert.Equal(t, "org-1", created.Data.OrganizationID)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/conversations/"+created.Data.ID, "dev-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/conversations/"+created.Data.ID+"/participants", "dev-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/actions?conversation_id="+created.Data.ID, "dev-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := testutil.GatherAndCount(s.registry, "roundtable_http_requests_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestParseRSAPublicKey_Rejects(t *testing.T) {
	_, err := parseRSAPublicKey("not a pem")
	assert.Error(t, err)
}
