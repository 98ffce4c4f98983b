package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tollgate/internal/catalog"
	"tollgate/internal/config"
	"tollgate/internal/connection"
	"tollgate/internal/flow"
	"tollgate/internal/kv"
	"tollgate/internal/provider"
	"tollgate/internal/reconnect"
	"tollgate/internal/secrets"
	"tollgate/internal/status"
	"tollgate/internal/token"
	"tollgate/pkg/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second

	// reapInterval paces the background sweep of expired token records.
	reapInterval = 5 * time.Minute
)

// Server owns every subsystem of the gateway and its HTTP listener.
type Server struct {
	cfg config.Config

	store        kv.Store
	catalog      *catalog.Catalog
	tokens       *token.Manager
	flows        *flow.Manager
	registry     *connection.Registry
	connector    *connection.Connector
	orchestrator *reconnect.Orchestrator
	resolver     *status.Resolver

	httpServer *http.Server

	stopReaper chan struct{}
	stopOnce   sync.Once
}

// New assembles a server from configuration.
func New(cfg config.Config) (*Server, error) {
	var encryptor secrets.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err := secrets.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		encryptor = enc
	} else {
		logging.Warn("Gateway", "No encryption key configured; secrets are stored unencrypted")
		encryptor = secrets.Noop{}
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.Catalog.Path, encryptor)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Catalog.Watch {
		if err := cat.Watch(); err != nil {
			store.Close()
			return nil, err
		}
	}

	prov := provider.NewClient(cfg.RedirectURI())
	tokens := token.NewManager(store, encryptor, prov, cat)

	var flowStore flow.Store
	if cfg.Storage.Type == config.StorageValkey {
		flowStore = flow.NewKVStore(store)
	} else {
		flowStore = flow.NewMemoryStore()
	}
	flows := flow.NewManager(flowStore, cat, prov, encryptor, tokens, cfg.Timers.FlowTTL.Std())

	registry := connection.NewRegistry()
	connector := connection.NewConnector(cat, tokens, registry, cfg.Timers.ConnectTimeout.Std())

	tracker := reconnect.NewTracker(cfg.Timers.ReconnectTimeout.Std())
	lock := reconnect.NewLock(store, cfg.Timers.LockTTL.Std(), cfg.Timers.ReconnectCooldown.Std())
	orchestrator := reconnect.NewOrchestrator(tracker, lock, connector, tokens, registry, cat)

	resolver := status.NewResolver(registry, cat, flows, orchestrator, cfg.Timers.IdleTimeout.Std())

	s := &Server{
		cfg:          cfg,
		store:        store,
		catalog:      cat,
		tokens:       tokens,
		flows:        flows,
		registry:     registry,
		connector:    connector,
		orchestrator: orchestrator,
		resolver:     resolver,
		stopReaper:   make(chan struct{}),
	}

	handler := NewHandler(flows, resolver, cfg.Gateway.CallbackPath, func(userID, serverID string) {
		orchestrator.AuthorizationCompleted(userID, serverID)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           handler.Mux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

func newStore(cfg config.Config) (kv.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageValkey:
		var tlsConfig *tls.Config
		if cfg.Storage.Valkey.TLSEnabled {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return kv.NewValkeyStore(kv.ValkeyConfig{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			TLS:       tlsConfig,
		})
	case config.StorageMemory:
		return kv.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}
}

// Run serves HTTP until the context is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.reapLoop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Gateway", "Listening on %s (public URL %s)", s.cfg.Gateway.ListenAddr, s.cfg.Gateway.PublicURL)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Gateway", "HTTP shutdown: %v", err)
	}

	s.Close()
	return nil
}

// Close releases every subsystem. Safe to call more than once.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopReaper)
		s.catalog.Stop()
		s.flows.Stop()
		s.registry.Close()
		if err := s.store.Close(); err != nil {
			logging.Warn("Gateway", "Error closing store: %v", err)
		}
	})
}

// reapLoop periodically sweeps expired token records.
func (s *Server) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := s.tokens.CleanupExpired(ctx); err != nil {
				logging.Warn("Gateway", "Token cleanup failed: %v", err)
			}
			cancel()
		case <-s.stopReaper:
			return
		}
	}
}
