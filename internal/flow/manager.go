package flow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"tollgate/internal/catalog"
	"tollgate/internal/provider"
	"tollgate/internal/secrets"
	"tollgate/pkg/logging"
)

// TokenSink receives the tokens produced by a completed flow. Implemented
// by the token lifecycle manager; abstracted here to keep the dependency
// one-way.
type TokenSink interface {
	StoreToken(ctx context.Context, userID, serverID string, creds provider.Credentials, token *provider.Token) error
}

// Manager drives authorization flows from creation through callback
// completion.
type Manager struct {
	store     Store
	catalog   *catalog.Catalog
	provider  *provider.Client
	encryptor secrets.Encryptor
	tokens    TokenSink

	ttl time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates a flow manager. ttl bounds every flow's lifetime.
func NewManager(store Store, cat *catalog.Catalog, prov *provider.Client, encryptor secrets.Encryptor, tokens TokenSink, ttl time.Duration) *Manager {
	if encryptor == nil {
		encryptor = secrets.Noop{}
	}
	return &Manager{
		store:     store,
		catalog:   cat,
		provider:  prov,
		encryptor: encryptor,
		tokens:    tokens,
		ttl:       ttl,
		now:       time.Now,
	}
}

// generateFlowID builds a flow id from a deterministic (user, server)
// prefix plus a random salt. The result contains only hex digits and a
// dash, so it can never contain the state separator.
func generateFlowID(userID, serverID string) (string, error) {
	sum := sha256.Sum256([]byte(userID + "|" + serverID))

	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate flow id salt: %w", err)
	}

	return hex.EncodeToString(sum[:8]) + "-" + hex.EncodeToString(salt), nil
}

// Create starts a new authorization flow for a (user, server) pair and
// returns the flow together with the authorization URL to redirect the
// user to. Any still-pending flow for the same pair is superseded first.
func (m *Manager) Create(ctx context.Context, userID, serverID string) (*Flow, string, error) {
	server, err := m.catalog.Get(serverID)
	if err != nil {
		return nil, "", WrapError(CodeServerNotFound, err, "unknown server %s", serverID)
	}
	if !server.RequiresOAuth || server.OAuth == nil {
		return nil, "", NewError(CodeMissingOAuthConfig, "server %s has no OAuth configuration", serverID)
	}
	oc := server.OAuth

	if err := m.supersedePending(ctx, userID, serverID); err != nil {
		return nil, "", err
	}

	creds, err := m.resolveCredentials(ctx, serverID, oc)
	if err != nil {
		return nil, "", err
	}

	flowID, err := generateFlowID(userID, serverID)
	if err != nil {
		return nil, "", err
	}
	csrfToken, err := provider.GenerateCSRFToken()
	if err != nil {
		return nil, "", err
	}
	pkce, err := provider.GeneratePKCE()
	if err != nil {
		return nil, "", err
	}

	authURL, err := m.provider.AuthorizationURL(ctx, oc, creds, EncodeState(flowID, csrfToken), pkce)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build authorization URL: %w", err)
	}

	sealedVerifier, err := m.encryptor.Encrypt([]byte(pkce.Verifier))
	if err != nil {
		return nil, "", fmt.Errorf("failed to seal code verifier: %w", err)
	}
	sealedSecret := ""
	if creds.ClientSecret != "" {
		if sealedSecret, err = m.encryptor.Encrypt([]byte(creds.ClientSecret)); err != nil {
			return nil, "", fmt.Errorf("failed to seal client secret: %w", err)
		}
	}

	now := m.now()
	flow := &Flow{
		ID:           flowID,
		UserID:       userID,
		ServerID:     serverID,
		CSRFToken:    csrfToken,
		CodeVerifier: sealedVerifier,
		ClientID:     creds.ClientID,
		ClientSecret: sealedSecret,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}

	if err := m.store.Create(ctx, flow); err != nil {
		return nil, "", fmt.Errorf("failed to persist flow: %w", err)
	}

	logging.Info("Flow", "Created flow %s for user=%s server=%s", flowID, logging.TruncateUserID(userID), serverID)
	return flow, authURL, nil
}

// supersedePending fails any still-pending flow for the pair so at most
// one flow is ever actionable.
func (m *Manager) supersedePending(ctx context.Context, userID, serverID string) error {
	flows, err := m.store.ForPair(ctx, userID, serverID)
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}

	now := m.now()
	for _, f := range flows {
		if f.Status != StatusPending || now.After(f.ExpiresAt) {
			continue
		}
		f.Status = StatusFailed
		f.FailureReason = ReasonSuperseded
		if err := m.store.Update(ctx, f); err != nil && !errors.Is(err, ErrFlowNotFound) {
			return fmt.Errorf("failed to supersede flow %s: %w", f.ID, err)
		}
		logging.Debug("Flow", "Superseded pending flow %s", f.ID)
	}
	return nil
}

// resolveCredentials prefers the statically configured client and falls
// back to dynamic registration.
func (m *Manager) resolveCredentials(ctx context.Context, serverID string, oc *catalog.OAuthConfig) (provider.Credentials, error) {
	if oc.ClientID != "" {
		secret, err := m.catalog.ClientSecret(serverID)
		if err != nil {
			return provider.Credentials{}, fmt.Errorf("failed to load client secret: %w", err)
		}
		return provider.Credentials{ClientID: oc.ClientID, ClientSecret: secret}, nil
	}

	creds, err := m.provider.RegisterClient(ctx, oc, strings.Join(oc.Scopes, " "))
	if err != nil {
		return provider.Credentials{}, WrapError(CodeMissingOAuthConfig, err, "no static client and registration failed for %s", serverID)
	}
	return creds, nil
}

// Complete finishes the flow the caller names. It validates the state
// parameter against both the caller's flow id and the stored flow,
// exchanges the code, hands the tokens to the sink, and only then marks
// the flow completed. The completed record stays retrievable until its
// TTL.
func (m *Manager) Complete(ctx context.Context, flowID, state, code string) (*Flow, error) {
	decodedID, csrfToken, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	if decodedID != flowID {
		return nil, NewError(CodeFlowIDMismatch, "state names flow %s, caller supplied %s", decodedID, flowID)
	}

	flow, err := m.store.Get(ctx, flowID)
	if errors.Is(err, ErrFlowNotFound) {
		return nil, NewError(CodeFlowNotFound, "no flow for id %s", flowID)
	}
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(flow.CSRFToken), []byte(csrfToken)) != 1 {
		return nil, NewError(CodeInvalidState, "CSRF token mismatch for flow %s", flowID)
	}

	if flow.Status != StatusPending {
		return nil, NewError(CodeInvalidState, "flow %s is already %s", flowID, flow.Status)
	}

	if m.now().After(flow.ExpiresAt) {
		m.markTerminal(ctx, flow, StatusExpired, "")
		return nil, NewError(CodeFlowExpired, "flow %s expired at %s", flowID, flow.ExpiresAt.Format(time.RFC3339))
	}

	server, err := m.catalog.Get(flow.ServerID)
	if err != nil || server.OAuth == nil {
		m.markTerminal(ctx, flow, StatusFailed, string(CodeMissingOAuthConfig))
		return nil, NewError(CodeMissingOAuthConfig, "server %s no longer has OAuth configuration", flow.ServerID)
	}

	verifier, err := m.encryptor.Decrypt(flow.CodeVerifier)
	if err != nil {
		m.markTerminal(ctx, flow, StatusFailed, "verifier_unsealing_failed")
		return nil, fmt.Errorf("failed to unseal code verifier: %w", err)
	}

	creds := provider.Credentials{ClientID: flow.ClientID}
	if flow.ClientSecret != "" {
		secret, err := m.encryptor.Decrypt(flow.ClientSecret)
		if err != nil {
			m.markTerminal(ctx, flow, StatusFailed, "secret_unsealing_failed")
			return nil, fmt.Errorf("failed to unseal client secret: %w", err)
		}
		creds.ClientSecret = string(secret)
	}

	token, err := m.provider.Exchange(ctx, server.OAuth, creds, code, string(verifier))
	if err != nil {
		m.markTerminal(ctx, flow, StatusFailed, string(CodeTokenExchange))
		return nil, WrapError(CodeTokenExchange, err, "code exchange failed for flow %s", flowID)
	}

	if err := m.tokens.StoreToken(ctx, flow.UserID, flow.ServerID, creds, token); err != nil {
		m.markTerminal(ctx, flow, StatusFailed, "token_storage_failed")
		return nil, fmt.Errorf("failed to store tokens for flow %s: %w", flowID, err)
	}

	flow.Status = StatusCompleted
	flow.CompletedAt = m.now()
	// Secrets are spent once the exchange succeeds.
	flow.CodeVerifier = ""
	flow.ClientSecret = ""
	if err := m.store.Update(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to mark flow %s completed: %w", flowID, err)
	}

	logging.Info("Flow", "Completed flow %s for user=%s server=%s", flowID, logging.TruncateUserID(flow.UserID), flow.ServerID)
	return flow, nil
}

// CompleteFromCallback handles the authorization callback, where the flow
// id travels only inside the state parameter.
func (m *Manager) CompleteFromCallback(ctx context.Context, state, code string) (*Flow, error) {
	flowID, _, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	return m.Complete(ctx, flowID, state, code)
}

// Fail marks a pending flow failed with the given reason, typically when
// the authorization server redirects back with an error.
func (m *Manager) Fail(ctx context.Context, state, reason string) (*Flow, error) {
	flowID, csrfToken, err := DecodeState(state)
	if err != nil {
		return nil, err
	}

	flow, err := m.store.Get(ctx, flowID)
	if errors.Is(err, ErrFlowNotFound) {
		return nil, NewError(CodeFlowNotFound, "no flow for id %s", flowID)
	}
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(flow.CSRFToken), []byte(csrfToken)) != 1 {
		return nil, NewError(CodeInvalidState, "CSRF token mismatch for flow %s", flowID)
	}
	if flow.Status != StatusPending {
		return flow, nil
	}

	if reason == "" {
		reason = ReasonDenied
	}
	m.markTerminal(ctx, flow, StatusFailed, reason)
	logging.Info("Flow", "Failed flow %s: %s", flowID, reason)
	return flow, nil
}

// Cancel fails the pending flow for a (user, server) pair, if any.
// Cancellation is recorded with a reason that status resolution treats as
// benign.
func (m *Manager) Cancel(ctx context.Context, userID, serverID string) error {
	flows, err := m.store.ForPair(ctx, userID, serverID)
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}

	now := m.now()
	for _, f := range flows {
		if f.Status != StatusPending || now.After(f.ExpiresAt) {
			continue
		}
		m.markTerminal(ctx, f, StatusFailed, ReasonCanceled)
		logging.Info("Flow", "Canceled flow %s", f.ID)
		return nil
	}
	return NewError(CodeFlowNotFound, "no pending flow for user=%s server=%s", logging.TruncateUserID(userID), serverID)
}

// Get returns a flow by id.
func (m *Manager) Get(ctx context.Context, flowID string) (*Flow, error) {
	flow, err := m.store.Get(ctx, flowID)
	if errors.Is(err, ErrFlowNotFound) {
		return nil, NewError(CodeFlowNotFound, "no flow for id %s", flowID)
	}
	return flow, err
}

// ForPair returns the live flows for a (user, server) pair, newest first.
func (m *Manager) ForPair(ctx context.Context, userID, serverID string) ([]*Flow, error) {
	return m.store.ForPair(ctx, userID, serverID)
}

// markTerminal applies a one-way transition. Persistence failures are
// logged, not returned: the caller already has a more important error in
// hand.
func (m *Manager) markTerminal(ctx context.Context, flow *Flow, status Status, reason string) {
	if flow.Status.Terminal() {
		return
	}
	flow.Status = status
	flow.FailureReason = reason
	if err := m.store.Update(ctx, flow); err != nil && !errors.Is(err, ErrFlowNotFound) {
		logging.Warn("Flow", "Failed to persist %s transition for flow %s: %v", status, flow.ID, err)
	}
}

// Stop terminates background maintenance in the underlying store.
func (m *Manager) Stop() {
	m.store.Stop()
}
