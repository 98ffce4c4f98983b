package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/catalog"
	"tollgate/internal/provider"
)

type sinkCall struct {
	userID   string
	serverID string
	creds    provider.Credentials
	token    *provider.Token
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *fakeSink) StoreToken(ctx context.Context, userID, serverID string, creds provider.Credentials, token *provider.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, sinkCall{userID, serverID, creds, token})
	return nil
}

// fakeAuthServer is a minimal authorization server: a token endpoint that
// either succeeds or rejects everything.
func fakeAuthServer(t *testing.T, rejectExchange bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if rejectExchange {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testCatalog(t *testing.T, issuer string) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	content := `
servers:
  - id: github
    url: https://mcp.github.example.com/mcp
    requiresOAuth: true
    oauth:
      issuer: ` + issuer + `
      authorizationEndpoint: ` + issuer + `/authorize
      tokenEndpoint: ` + issuer + `/token
      clientID: tollgate-github
      scopes: [repo]
  - id: plain
    url: https://plain.example.com/mcp
    requiresOAuth: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	c, err := catalog.Load(path, nil)
	require.NoError(t, err)
	return c
}

func newTestManager(t *testing.T, srv *httptest.Server, sink TokenSink) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(store.Stop)

	m := NewManager(store, testCatalog(t, srv.URL), provider.NewClient("https://gw.example.com/oauth/callback"), nil, sink, 10*time.Minute)
	return m, store
}

func TestStateRoundTrip(t *testing.T) {
	state := EncodeState("abcd-1234", "csrf::with::separators")
	flowID, csrf, err := DecodeState(state)
	require.NoError(t, err)
	assert.Equal(t, "abcd-1234", flowID)
	// Only the first separator splits; the CSRF token keeps the rest.
	assert.Equal(t, "csrf::with::separators", csrf)
}

func TestDecodeStateRejectsMalformed(t *testing.T) {
	for _, state := range []string{"", "no-separator", "::", "id::", "::csrf"} {
		_, _, err := DecodeState(state)
		require.Error(t, err, "state %q", state)
		assert.Equal(t, CodeInvalidStateFormat, CodeOf(err))
	}
}

func TestGenerateFlowIDShape(t *testing.T) {
	a, err := generateFlowID("user-1", "github")
	require.NoError(t, err)
	b, err := generateFlowID("user-1", "github")
	require.NoError(t, err)

	// Same pair shares the deterministic prefix but differs in salt.
	assert.Equal(t, a[:17], b[:17])
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, stateSeparator)
}

func TestCreateFlow(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, _ := newTestManager(t, srv, &fakeSink{})

	f, authURL, err := m.Create(context.Background(), "user-1", "github")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, f.Status)
	assert.Equal(t, "user-1", f.UserID)
	assert.Equal(t, "tollgate-github", f.ClientID)
	assert.NotEmpty(t, f.CSRFToken)
	assert.NotEmpty(t, f.CodeVerifier)
	assert.Equal(t, f.CreatedAt.Add(10*time.Minute), f.ExpiresAt)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, EncodeState(f.ID, f.CSRFToken), u.Query().Get("state"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
}

func TestCreateFlowUnknownServer(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, _ := newTestManager(t, srv, &fakeSink{})

	_, _, err := m.Create(context.Background(), "user-1", "nope")
	assert.Equal(t, CodeServerNotFound, CodeOf(err))

	_, _, err = m.Create(context.Background(), "user-1", "plain")
	assert.Equal(t, CodeMissingOAuthConfig, CodeOf(err))
}

func TestCreateSupersedesPendingFlow(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, _ := newTestManager(t, srv, &fakeSink{})
	ctx := context.Background()

	first, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	second, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	got, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ReasonSuperseded, got.FailureReason)

	got, err = m.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCompleteFlow(t *testing.T) {
	srv := fakeAuthServer(t, false)
	sink := &fakeSink{}
	m, _ := newTestManager(t, srv, sink)
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	done, err := m.Complete(ctx, f.ID, EncodeState(f.ID, f.CSRFToken), "code-1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.False(t, done.CompletedAt.IsZero())
	assert.Empty(t, done.CodeVerifier, "spent secrets are scrubbed")

	require.Len(t, sink.calls, 1)
	assert.Equal(t, "user-1", sink.calls[0].userID)
	assert.Equal(t, "github", sink.calls[0].serverID)
	assert.Equal(t, "at-1", sink.calls[0].token.AccessToken)

	// The completed record stays retrievable.
	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// A second callback cannot re-complete it.
	_, err = m.Complete(ctx, f.ID, EncodeState(f.ID, f.CSRFToken), "code-2")
	assert.Equal(t, CodeInvalidState, CodeOf(err))
}

func TestCompleteRejectsFlowIDMismatch(t *testing.T) {
	srv := fakeAuthServer(t, false)
	sink := &fakeSink{}
	m, _ := newTestManager(t, srv, sink)
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	other, _, err := m.Create(ctx, "user-2", "github")
	require.NoError(t, err)

	// The state names one flow, the caller another.
	_, err = m.Complete(ctx, other.ID, EncodeState(f.ID, f.CSRFToken), "code-1")
	assert.Equal(t, CodeFlowIDMismatch, CodeOf(err))
	assert.Empty(t, sink.calls)

	// Neither flow moved.
	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCompleteFromCallback(t *testing.T) {
	srv := fakeAuthServer(t, false)
	sink := &fakeSink{}
	m, _ := newTestManager(t, srv, sink)
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	done, err := m.CompleteFromCallback(ctx, EncodeState(f.ID, f.CSRFToken), "code-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestCompleteRejectsWrongCSRF(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, _ := newTestManager(t, srv, &fakeSink{})
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	_, err = m.Complete(ctx, f.ID, EncodeState(f.ID, "forged"), "code-1")
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	// Flow stays pending after a forged callback.
	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCompleteUnknownFlow(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, _ := newTestManager(t, srv, &fakeSink{})

	_, err := m.Complete(context.Background(), "deadbeef-0000", EncodeState("deadbeef-0000", "csrf"), "code-1")
	assert.Equal(t, CodeFlowNotFound, CodeOf(err))
}

func TestCompleteExpiredFlow(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, store := newTestManager(t, srv, &fakeSink{})
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	// Past the TTL but before the store drops the record.
	m.now = func() time.Time { return f.ExpiresAt.Add(time.Second) }

	_, err = m.Complete(ctx, f.ID, EncodeState(f.ID, f.CSRFToken), "code-1")
	assert.Equal(t, CodeFlowExpired, CodeOf(err))

	// The store still sees the record (its own clock has not moved), with
	// the terminal status applied.
	got, err := store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestCompleteExchangeFailure(t *testing.T) {
	srv := fakeAuthServer(t, true)
	sink := &fakeSink{}
	m, _ := newTestManager(t, srv, sink)
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	_, err = m.Complete(ctx, f.ID, EncodeState(f.ID, f.CSRFToken), "bad-code")
	assert.Equal(t, CodeTokenExchange, CodeOf(err))
	assert.Empty(t, sink.calls)

	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, string(CodeTokenExchange), got.FailureReason)
}

func TestFailFlowFromCallbackError(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, _ := newTestManager(t, srv, &fakeSink{})
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	failed, err := m.Fail(ctx, EncodeState(f.ID, f.CSRFToken), "access_denied")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, ReasonDenied, failed.FailureReason)
}

func TestCancelFlow(t *testing.T) {
	srv := fakeAuthServer(t, false)
	m, _ := newTestManager(t, srv, &fakeSink{})
	ctx := context.Background()

	f, _, err := m.Create(ctx, "user-1", "github")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, "user-1", "github"))

	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ReasonCanceled, got.FailureReason)

	err = m.Cancel(ctx, "user-1", "github")
	assert.Equal(t, CodeFlowNotFound, CodeOf(err))
}
