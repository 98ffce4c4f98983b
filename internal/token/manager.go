// Package token persists OAuth tokens per (user, server) pair and keeps
// access tokens fresh. Access and refresh tokens live in separate slots:
// an access token expiring never takes the refresh token with it.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tollgate/internal/catalog"
	"tollgate/internal/kv"
	"tollgate/internal/provider"
	"tollgate/internal/secrets"
	"tollgate/pkg/logging"
)

const (
	accessKeyPrefix  = "token:access:"
	refreshKeyPrefix = "token:refresh:"

	// expiryBuffer is subtracted from the recorded expiry so callers never
	// receive a token about to die mid-request.
	expiryBuffer = 5 * time.Second

	// accessRecordGrace keeps expired access records around briefly so the
	// cleanup pass (and debugging) can observe them before the backend
	// drops the key.
	accessRecordGrace = time.Hour
)

var (
	// ErrNoToken means no usable access token exists for the pair.
	ErrNoToken = errors.New("token: no access token")

	// ErrNoRefreshToken means a refresh was requested but the server never
	// issued one.
	ErrNoRefreshToken = errors.New("token: no refresh token")
)

type accessRecord struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type refreshRecord struct {
	RefreshToken string `json:"refresh_token"`

	// Client credentials are captured at store time because dynamically
	// registered clients exist nowhere else once the flow record expires.
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Manager owns token persistence and refresh.
type Manager struct {
	store     kv.Store
	encryptor secrets.Encryptor
	provider  *provider.Client
	catalog   *catalog.Catalog

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates a token manager. Records are sealed with the
// encryptor before they reach the store.
func NewManager(store kv.Store, encryptor secrets.Encryptor, prov *provider.Client, cat *catalog.Catalog) *Manager {
	if encryptor == nil {
		encryptor = secrets.Noop{}
	}
	return &Manager{
		store:     store,
		encryptor: encryptor,
		provider:  prov,
		catalog:   cat,
		now:       time.Now,
	}
}

func accessKey(userID, serverID string) string {
	return accessKeyPrefix + userID + ":" + serverID
}

func refreshKey(userID, serverID string) string {
	return refreshKeyPrefix + userID + ":" + serverID
}

func (m *Manager) seal(record any) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token record: %w", err)
	}
	sealed, err := m.encryptor.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to seal token record: %w", err)
	}
	return []byte(sealed), nil
}

func (m *Manager) unseal(data []byte, record any) error {
	plaintext, err := m.encryptor.Decrypt(string(data))
	if err != nil {
		return fmt.Errorf("failed to unseal token record: %w", err)
	}
	if err := json.Unmarshal(plaintext, record); err != nil {
		return fmt.Errorf("failed to decode token record: %w", err)
	}
	return nil
}

// StoreToken persists both slots for a pair. It implements the flow
// manager's token sink.
func (m *Manager) StoreToken(ctx context.Context, userID, serverID string, creds provider.Credentials, token *provider.Token) error {
	sealed, err := m.seal(accessRecord{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Scope:       token.Scope,
		ExpiresAt:   token.ExpiresAt,
	})
	if err != nil {
		return err
	}

	ttl := time.Duration(0)
	if !token.ExpiresAt.IsZero() {
		ttl = token.ExpiresAt.Sub(m.now()) + accessRecordGrace
	}
	if err := m.store.Set(ctx, accessKey(userID, serverID), sealed, ttl); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}

	if token.RefreshToken != "" {
		sealed, err := m.seal(refreshRecord{
			RefreshToken: token.RefreshToken,
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
		})
		if err != nil {
			return err
		}
		if err := m.store.Set(ctx, refreshKey(userID, serverID), sealed, 0); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}

	logging.Debug("Token", "Stored tokens for user=%s server=%s (expires=%s)",
		logging.TruncateUserID(userID), serverID, token.ExpiresAt)
	return nil
}

// AccessToken returns a live access token for the pair, or ErrNoToken when
// none exists or the stored one is within the expiry buffer.
func (m *Manager) AccessToken(ctx context.Context, userID, serverID string) (string, error) {
	data, err := m.store.Get(ctx, accessKey(userID, serverID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to load access token: %w", err)
	}

	var record accessRecord
	if err := m.unseal(data, &record); err != nil {
		return "", err
	}

	if !record.ExpiresAt.IsZero() && m.now().After(record.ExpiresAt.Add(-expiryBuffer)) {
		return "", ErrNoToken
	}
	return record.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new access token. On
// failure the stored tokens are left untouched so a later attempt can
// still succeed.
func (m *Manager) Refresh(ctx context.Context, userID, serverID string) (*provider.Token, error) {
	data, err := m.store.Get(ctx, refreshKey(userID, serverID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	var record refreshRecord
	if err := m.unseal(data, &record); err != nil {
		return nil, err
	}
	if record.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	server, err := m.catalog.Get(serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server for refresh: %w", err)
	}
	if server.OAuth == nil {
		return nil, fmt.Errorf("server %s no longer has OAuth configuration", serverID)
	}

	creds := provider.Credentials{ClientID: record.ClientID, ClientSecret: record.ClientSecret}
	token, err := m.provider.Refresh(ctx, server.OAuth, creds, record.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh failed for user=%s server=%s: %w",
			logging.TruncateUserID(userID), serverID, err)
	}

	if err := m.StoreToken(ctx, userID, serverID, creds, token); err != nil {
		return nil, err
	}

	logging.Info("Token", "Refreshed token for user=%s server=%s", logging.TruncateUserID(userID), serverID)
	return token, nil
}

// EnsureAccessToken returns a live access token, refreshing transparently
// when the stored one is gone or about to expire.
func (m *Manager) EnsureAccessToken(ctx context.Context, userID, serverID string) (string, error) {
	access, err := m.AccessToken(ctx, userID, serverID)
	if err == nil {
		return access, nil
	}
	if !errors.Is(err, ErrNoToken) {
		return "", err
	}

	token, err := m.Refresh(ctx, userID, serverID)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// HasRefreshToken reports whether a refresh slot exists for the pair,
// without unsealing it.
func (m *Manager) HasRefreshToken(ctx context.Context, userID, serverID string) (bool, error) {
	return m.store.Exists(ctx, refreshKey(userID, serverID))
}

// Delete removes both slots for a pair, typically on explicit disconnect.
func (m *Manager) Delete(ctx context.Context, userID, serverID string) error {
	if err := m.store.Delete(ctx, accessKey(userID, serverID)); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	if err := m.store.Delete(ctx, refreshKey(userID, serverID)); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// CleanupExpired removes access records past their recorded expiry before
// the backend's own TTL would. Refresh slots are never touched.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, accessKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list access tokens: %w", err)
	}

	count := 0
	now := m.now()
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}

		var record accessRecord
		if err := m.unseal(data, &record); err != nil {
			logging.Warn("Token", "Dropping undecodable access record %s: %v", key, err)
			if err := m.store.Delete(ctx, key); err != nil {
				return count, err
			}
			count++
			continue
		}

		if !record.ExpiresAt.IsZero() && now.After(record.ExpiresAt) {
			if err := m.store.Delete(ctx, key); err != nil {
				return count, err
			}
			count++
		}
	}

	if count > 0 {
		logging.Debug("Token", "Cleaned up %d expired access tokens", count)
	}
	return count, nil
}
