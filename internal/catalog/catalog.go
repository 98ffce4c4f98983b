package catalog

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"tollgate/internal/secrets"
	"tollgate/pkg/logging"
)

// ErrServerNotFound is returned when a server id is not in the catalog.
var ErrServerNotFound = errors.New("catalog: server not found")

// OAuthConfig is the per-server OAuth client configuration.
type OAuthConfig struct {
	// Issuer is the authorization server base URL. Endpoints are discovered
	// from it when not set explicitly below.
	Issuer string `yaml:"issuer"`

	AuthorizationEndpoint string `yaml:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `yaml:"tokenEndpoint,omitempty"`
	RegistrationEndpoint  string `yaml:"registrationEndpoint,omitempty"`

	// ClientID is the statically registered client. When empty and the
	// server advertises a registration endpoint, Dynamic Client
	// Registration is used instead.
	ClientID string `yaml:"clientID,omitempty"`

	// ClientSecretEncrypted is the sealed client secret as stored in the
	// catalog file. The plaintext never appears on disk.
	ClientSecretEncrypted string `yaml:"clientSecretEncrypted,omitempty"`

	Scopes []string `yaml:"scopes,omitempty"`
}

// ServerConfig describes one remote MCP server.
type ServerConfig struct {
	ID            string       `yaml:"id"`
	Name          string       `yaml:"name"`
	URL           string       `yaml:"url"`
	RequiresOAuth bool         `yaml:"requiresOAuth"`
	OAuth         *OAuthConfig `yaml:"oauth,omitempty"`

	// UpdatedAt is stamped when the entry is loaded or changes on reload.
	// Connections created before it are considered stale.
	UpdatedAt time.Time `yaml:"-"`
}

type catalogFile struct {
	Servers []*ServerConfig `yaml:"servers"`
}

// Catalog is the read-only view of configured remote servers. It reloads
// from its backing file when watched, stamping UpdatedAt only on entries
// that actually changed.
type Catalog struct {
	mu      sync.RWMutex
	servers map[string]*ServerConfig

	path      string
	encryptor secrets.Encryptor

	stopWatch chan struct{}
	watchOnce sync.Once
}

// Load reads the catalog file at path.
func Load(path string, encryptor secrets.Encryptor) (*Catalog, error) {
	if encryptor == nil {
		encryptor = secrets.Noop{}
	}

	c := &Catalog{
		servers:   make(map[string]*ServerConfig),
		path:      path,
		encryptor: encryptor,
		stopWatch: make(chan struct{}),
	}

	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file. Entries whose configuration is unchanged
// keep their previous UpdatedAt so existing connections stay valid.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", c.path, err)
	}

	now := time.Now()
	next := make(map[string]*ServerConfig, len(file.Servers))

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, server := range file.Servers {
		if server.ID == "" {
			return fmt.Errorf("catalog %s: server entry without id", c.path)
		}
		if server.RequiresOAuth && server.OAuth == nil {
			return fmt.Errorf("catalog %s: server %s requires OAuth but has no oauth section", c.path, server.ID)
		}

		server.UpdatedAt = now
		if prev, ok := c.servers[server.ID]; ok && sameConfig(prev, server) {
			server.UpdatedAt = prev.UpdatedAt
		}
		next[server.ID] = server
	}

	c.servers = next
	logging.Info("Catalog", "Loaded %d servers from %s", len(next), c.path)
	return nil
}

// sameConfig compares everything except the load stamp.
func sameConfig(a, b *ServerConfig) bool {
	ac, bc := *a, *b
	ac.UpdatedAt, bc.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(ac, bc)
}

// Get returns the configuration for a server id.
func (c *Catalog) Get(serverID string) (*ServerConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	server, ok := c.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	return server, nil
}

// ClientSecret returns the decrypted client secret for a server, or empty
// when none is configured.
func (c *Catalog) ClientSecret(serverID string) (string, error) {
	server, err := c.Get(serverID)
	if err != nil {
		return "", err
	}
	if server.OAuth == nil || server.OAuth.ClientSecretEncrypted == "" {
		return "", nil
	}

	plaintext, err := c.encryptor.Decrypt(server.OAuth.ClientSecretEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt client secret for %s: %w", serverID, err)
	}
	return string(plaintext), nil
}

// ListOAuthServers returns the ids of all servers requiring OAuth, sorted
// for deterministic iteration.
func (c *Catalog) ListOAuthServers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for id, server := range c.servers {
		if server.RequiresOAuth {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of configured servers.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers)
}
