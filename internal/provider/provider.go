// Package provider implements the OAuth 2.0 client side of the gateway:
// endpoint discovery, authorization URL construction with PKCE, code
// exchange, token refresh, and dynamic client registration against the
// authorization servers of remote MCP servers.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"tollgate/internal/catalog"
	"tollgate/pkg/logging"
)

// Credentials identifies this gateway to one authorization server, either
// from static catalog configuration or from dynamic registration.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// Client talks OAuth to authorization servers. It is safe for concurrent
// use.
type Client struct {
	redirectURI string
	httpClient  *http.Client

	metadataMu    sync.RWMutex
	metadataCache map[string]*metadataCacheEntry
	metadataGroup singleflight.Group
}

// NewClient creates a provider client. redirectURI is the gateway's public
// callback URI registered with (or sent to) every authorization server.
func NewClient(redirectURI string) *Client {
	return &Client{
		redirectURI:   redirectURI,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		metadataCache: make(map[string]*metadataCacheEntry),
	}
}

// RedirectURI returns the callback URI this client was configured with.
func (c *Client) RedirectURI() string {
	return c.redirectURI
}

// endpoints resolves the authorization and token endpoints for a server,
// preferring explicit catalog configuration over discovery.
func (c *Client) endpoints(ctx context.Context, oc *catalog.OAuthConfig) (oauth2.Endpoint, error) {
	if oc.AuthorizationEndpoint != "" && oc.TokenEndpoint != "" {
		return oauth2.Endpoint{
			AuthURL:  oc.AuthorizationEndpoint,
			TokenURL: oc.TokenEndpoint,
		}, nil
	}

	metadata, err := c.DiscoverMetadata(ctx, oc.Issuer)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	return oauth2.Endpoint{
		AuthURL:  metadata.AuthorizationEndpoint,
		TokenURL: metadata.TokenEndpoint,
	}, nil
}

func (c *Client) oauthConfig(endpoint oauth2.Endpoint, oc *catalog.OAuthConfig, creds Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  c.redirectURI,
		Scopes:       oc.Scopes,
	}
}

// AuthorizationURL builds the URL the user's browser is sent to. The state
// parameter and PKCE challenge are supplied by the flow layer.
func (c *Client) AuthorizationURL(ctx context.Context, oc *catalog.OAuthConfig, creds Credentials, state string, pkce *PKCE) (string, error) {
	endpoint, err := c.endpoints(ctx, oc)
	if err != nil {
		return "", fmt.Errorf("failed to resolve endpoints: %w", err)
	}

	cfg := c.oauthConfig(endpoint, oc, creds)
	authURL := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.ChallengeMethod),
	)

	logging.Debug("Provider", "Built authorization URL for issuer=%s client=%s", oc.Issuer, creds.ClientID)
	return authURL, nil
}

// Exchange trades an authorization code for tokens, proving possession of
// the PKCE verifier.
func (c *Client) Exchange(ctx context.Context, oc *catalog.OAuthConfig, creds Credentials, code, verifier string) (*Token, error) {
	endpoint, err := c.endpoints(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoints: %w", err)
	}

	cfg := c.oauthConfig(endpoint, oc, creds)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	logging.Debug("Provider", "Exchanged code for token (issuer=%s, expires=%s)", oc.Issuer, tok.Expiry)
	return fromOAuth2Token(tok), nil
}

// Refresh obtains a new access token from a refresh token. When the server
// does not rotate the refresh token, the previous one is carried forward.
func (c *Client) Refresh(ctx context.Context, oc *catalog.OAuthConfig, creds Credentials, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	endpoint, err := c.endpoints(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoints: %w", err)
	}

	cfg := c.oauthConfig(endpoint, oc, creds)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	token := fromOAuth2Token(tok)
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	logging.Debug("Provider", "Refreshed token (issuer=%s, expires=%s)", oc.Issuer, tok.Expiry)
	return token, nil
}

func fromOAuth2Token(tok *oauth2.Token) *Token {
	scope, _ := tok.Extra("scope").(string)
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresAt:    tok.Expiry,
	}
}
