package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"tollgate/internal/catalog"
	"tollgate/internal/token"
	"tollgate/pkg/logging"
)

// ErrAuthRequired means the server needs OAuth and no usable token exists;
// the caller should start an authorization flow.
var ErrAuthRequired = errors.New("connection: authorization required")

// Connector establishes streamable HTTP connections to remote MCP servers,
// attaching bearer tokens for servers that require OAuth.
type Connector struct {
	catalog  *catalog.Catalog
	tokens   *token.Manager
	registry *Registry

	connectTimeout time.Duration

	// dial is replaceable in tests to avoid real MCP handshakes.
	dial func(ctx context.Context, url string, headers map[string]string) (Closer, error)
}

// NewConnector creates a connector. connectTimeout bounds each connection
// attempt end to end, including the MCP handshake.
func NewConnector(cat *catalog.Catalog, tokens *token.Manager, registry *Registry, connectTimeout time.Duration) *Connector {
	c := &Connector{
		catalog:        cat,
		tokens:         tokens,
		registry:       registry,
		connectTimeout: connectTimeout,
	}
	c.dial = c.dialMCP
	return c
}

// Connect establishes (or re-establishes) the connection for a (user,
// server) pair and registers it. Servers requiring OAuth without a usable
// token yield ErrAuthRequired and a StatePendingOAuth registry entry.
func (c *Connector) Connect(ctx context.Context, userID, serverID string) (*Connection, error) {
	server, err := c.catalog.Get(serverID)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	if server.RequiresOAuth {
		access, err := c.tokens.EnsureAccessToken(ctx, userID, serverID)
		if err != nil {
			c.registry.Register(Connection{
				UserID:       userID,
				ServerID:     serverID,
				State:        StatePendingOAuth,
				CreatedAt:    c.registry.now(),
				LastActivity: c.registry.now(),
			})
			return nil, fmt.Errorf("%w for %s: %v", ErrAuthRequired, serverID, err)
		}
		headers["Authorization"] = "Bearer " + access
	}

	now := c.registry.now()
	c.registry.Register(Connection{
		UserID:       userID,
		ServerID:     serverID,
		State:        StateConnecting,
		CreatedAt:    now,
		LastActivity: now,
	})

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	client, err := c.dial(dialCtx, server.URL, headers)
	if err != nil {
		state := c.registry.RecordError(userID, serverID)
		return nil, fmt.Errorf("failed to connect to %s (state now %s): %w", serverID, state, err)
	}

	// The handle is attached before the entry is published; nothing ever
	// writes to a connection the registry has already handed out.
	conn := Connection{
		UserID:       userID,
		ServerID:     serverID,
		State:        StateConnected,
		CreatedAt:    now,
		LastActivity: c.registry.now(),
		client:       client,
	}
	c.registry.Register(conn)
	logging.Info("Connector", "Connected user=%s server=%s", logging.TruncateUserID(userID), serverID)
	return &conn, nil
}

// Disconnect tears down the pair's connection and marks it disconnected.
func (c *Connector) Disconnect(userID, serverID string) {
	c.registry.Remove(userID, serverID)
}

// dialMCP creates a streamable HTTP MCP client and runs the protocol
// handshake.
func (c *Connector) dialMCP(ctx context.Context, url string, headers map[string]string) (Closer, error) {
	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}

	client, err := mcpclient.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start MCP transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "tollgate",
		Version: "1.0.0",
	}

	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return nil, fmt.Errorf("MCP handshake failed: %w", err)
	}
	return client, nil
}
