package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tollgate/pkg/logging"
)

// metadataCacheTTL is the time-to-live for cached authorization server
// metadata. A 30-minute TTL balances caching efficiency with timely
// endpoint rotation updates.
const metadataCacheTTL = 30 * time.Minute

// Metadata is the subset of RFC 8414 authorization server metadata the
// gateway needs.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// DiscoverMetadata resolves the issuer's endpoints from its well-known
// document, preferring RFC 8414 and falling back to OpenID Connect
// discovery. Results are cached per issuer; concurrent fetches for the
// same issuer are deduplicated.
func (c *Client) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	c.metadataMu.RLock()
	if entry, ok := c.metadataCache[issuer]; ok {
		if time.Since(entry.fetchedAt) < metadataCacheTTL {
			c.metadataMu.RUnlock()
			return entry.metadata, nil
		}
		logging.Debug("Provider", "Metadata cache expired for issuer=%s, refreshing", issuer)
	}
	c.metadataMu.RUnlock()

	result, err, _ := c.metadataGroup.Do(issuer, func() (interface{}, error) {
		// Double-check after winning the singleflight slot.
		c.metadataMu.RLock()
		if entry, ok := c.metadataCache[issuer]; ok {
			if time.Since(entry.fetchedAt) < metadataCacheTTL {
				c.metadataMu.RUnlock()
				return entry.metadata, nil
			}
		}
		c.metadataMu.RUnlock()

		return c.doDiscoverMetadata(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

func (c *Client) doDiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	base := strings.TrimSuffix(issuer, "/")

	metadata, err := c.fetchWellKnown(ctx, base+"/.well-known/oauth-authorization-server")
	if err != nil {
		// OpenID Connect discovery as fallback.
		metadata, err = c.fetchWellKnown(ctx, base+"/.well-known/openid-configuration")
		if err != nil {
			return nil, fmt.Errorf("failed to discover metadata for %s: %w", issuer, err)
		}
	}

	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata for %s is missing required endpoints", issuer)
	}

	c.metadataMu.Lock()
	c.metadataCache[issuer] = &metadataCacheEntry{
		metadata:  metadata,
		fetchedAt: time.Now(),
	}
	c.metadataMu.Unlock()

	logging.Debug("Provider", "Discovered metadata for issuer=%s (auth=%s, token=%s)",
		issuer, metadata.AuthorizationEndpoint, metadata.TokenEndpoint)

	return metadata, nil
}

func (c *Client) fetchWellKnown(ctx context.Context, wellKnownURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata fetch returned status %d", resp.StatusCode)
	}

	var metadata Metadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata document: %w", err)
	}
	return &metadata, nil
}
