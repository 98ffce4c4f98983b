package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"tollgate/internal/catalog"
	"tollgate/pkg/logging"
)

// registrationRequest is the RFC 7591 dynamic client registration payload.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// RegisterClient performs dynamic client registration for a server with no
// statically configured client. The registration endpoint comes from the
// catalog when set, otherwise from discovery.
func (c *Client) RegisterClient(ctx context.Context, oc *catalog.OAuthConfig, scope string) (Credentials, error) {
	endpoint := oc.RegistrationEndpoint
	if endpoint == "" {
		metadata, err := c.DiscoverMetadata(ctx, oc.Issuer)
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to resolve registration endpoint: %w", err)
		}
		endpoint = metadata.RegistrationEndpoint
	}
	if endpoint == "" {
		return Credentials{}, fmt.Errorf("issuer %s does not support dynamic client registration", oc.Issuer)
	}

	payload, err := json.Marshal(registrationRequest{
		ClientName:              "tollgate",
		RedirectURIs:            []string{c.redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read registration response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		logging.Debug("Provider", "Registration failed: status=%d body=%s", resp.StatusCode, string(body))
		return Credentials{}, fmt.Errorf("client registration failed with status %d", resp.StatusCode)
	}

	var reg registrationResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if reg.ClientID == "" {
		return Credentials{}, fmt.Errorf("registration response missing client_id")
	}

	logging.Info("Provider", "Registered client %s with issuer %s", reg.ClientID, oc.Issuer)
	return Credentials{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret}, nil
}
