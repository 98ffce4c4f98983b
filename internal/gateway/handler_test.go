package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/catalog"
	"tollgate/internal/connection"
	"tollgate/internal/flow"
	"tollgate/internal/kv"
	"tollgate/internal/provider"
	"tollgate/internal/status"
	"tollgate/internal/token"
)

type idleProbe struct{}

func (idleProbe) IsReconnecting(userID, serverID string) bool { return false }

type env struct {
	handler  http.Handler
	flows    *flow.Manager
	authDone []string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(authSrv.Close)

	catalogPath := filepath.Join(t.TempDir(), "servers.yaml")
	content := `
servers:
  - id: github
    url: https://mcp.github.example.com/mcp
    requiresOAuth: true
    oauth:
      issuer: ` + authSrv.URL + `
      authorizationEndpoint: ` + authSrv.URL + `/authorize
      tokenEndpoint: ` + authSrv.URL + `/token
      clientID: cid
`
	require.NoError(t, os.WriteFile(catalogPath, []byte(content), 0o600))
	cat, err := catalog.Load(catalogPath, nil)
	require.NoError(t, err)

	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	prov := provider.NewClient("https://gw.example.com/oauth/callback")
	tokens := token.NewManager(store, nil, prov, cat)

	flowStore := flow.NewMemoryStore()
	t.Cleanup(flowStore.Stop)
	flows := flow.NewManager(flowStore, cat, prov, nil, tokens, 10*time.Minute)

	registry := connection.NewRegistry()
	resolver := status.NewResolver(registry, cat, flows, idleProbe{}, 30*time.Minute)

	e := &env{flows: flows}
	h := NewHandler(flows, resolver, "/oauth/callback", func(userID, serverID string) {
		e.authDone = append(e.authDone, userID+"/"+serverID)
	})
	e.handler = h.Mux()
	return e
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestConnectRedirects(t *testing.T) {
	e := newEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/oauth/connect?user=u1&server=github", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", loc.Path)
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
}

func TestConnectJSON(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/connect?user=u1&server=github", nil)
	req.Header.Set("Accept", "application/json")
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["flow_id"])
	assert.NotEmpty(t, body["authorization_url"])
}

func TestConnectValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/oauth/connect?user=u1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/oauth/connect?user=u1&server=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(flow.CodeServerNotFound), body["code"])
}

func TestCallbackSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, _, err := e.flows.Create(ctx, "u1", "github")
	require.NoError(t, err)

	state := url.QueryEscape(flow.EncodeState(f.ID, f.CSRFToken))
	rec := e.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c1&state="+state, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Connection Authorized")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, []string{"u1/github"}, e.authDone)

	got, err := e.flows.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, got.Status)
}

func TestCallbackProviderError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, _, err := e.flows.Create(ctx, "u1", "github")
	require.NoError(t, err)

	state := url.QueryEscape(flow.EncodeState(f.ID, f.CSRFToken))
	rec := e.do(httptest.NewRequest(http.MethodGet,
		"/oauth/callback?error=access_denied&error_description=user+said+no&state="+state, nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "user said no")

	got, err := e.flows.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusFailed, got.Status)
	assert.Empty(t, e.authDone)
}

func TestCallbackInvalidState(t *testing.T) {
	e := newEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c1&state=garbage", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization Failed")

	rec = e.do(httptest.NewRequest(http.MethodGet, "/oauth/callback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, _, err := e.flows.Create(ctx, "u1", "github")
	require.NoError(t, err)

	rec := e.do(httptest.NewRequest(http.MethodPost, "/oauth/cancel?user=u1&server=github", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := e.flows.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusFailed, got.Status)
	assert.Equal(t, flow.ReasonCanceled, got.FailureReason)

	// Nothing left to cancel.
	rec = e.do(httptest.NewRequest(http.MethodPost, "/oauth/cancel?user=u1&server=github", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, _, err := e.flows.Create(ctx, "u1", "github")
	require.NoError(t, err)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/status?user=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Servers map[string]string `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(connection.StateConnecting), body.Servers["github"], "pending flow surfaces as CONNECTING")

	rec = e.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
