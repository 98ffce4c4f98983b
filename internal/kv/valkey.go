package kv

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"tollgate/pkg/logging"
)

// scanBatchSize is the COUNT hint passed to SCAN when enumerating keys.
const scanBatchSize = 256

// ValkeyConfig configures the Valkey-backed store.
type ValkeyConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TLS       *tls.Config
}

// ValkeyStore is a Store backed by a Valkey server. It provides the
// cross-instance consistency the in-process store cannot: conditional sets
// are atomic across gateway replicas and expiry is enforced server-side.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore connects to the configured Valkey server.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		TLSConfig:   cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	logging.Info("KV", "Connected to Valkey at %s (db=%d, prefix=%q)", cfg.Address, cfg.DB, cfg.KeyPrefix)

	return &ValkeyStore{
		client: client,
		prefix: cfg.KeyPrefix,
	}, nil
}

func (s *ValkeyStore) key(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build())
	value, err := resp.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("valkey get %s: %w", key, err)
	}
	return value, nil
}

// Set implements Store.
func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkey.BinaryString(value)).PxMilliseconds(ttl.Milliseconds()).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkey.BinaryString(value)).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set %s: %w", key, err)
	}
	return nil
}

// SetNX implements Store. The NX+PX form is a single atomic command, which is
// what makes the distributed lock safe across replicas.
func (s *ValkeyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkey.BinaryString(value)).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkey.BinaryString(value)).Nx().Build()
	}

	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			// Nil reply: the key already existed.
			return false, nil
		}
		return false, fmt.Errorf("valkey setnx %s: %w", key, err)
	}
	return true, nil
}

// Delete implements Store.
func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("valkey del %s: %w", key, err)
	}
	return nil
}

// Exists implements Store.
func (s *ValkeyStore) Exists(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Do(ctx, s.client.B().Exists().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey exists %s: %w", key, err)
	}
	return count > 0, nil
}

// Keys implements Store using SCAN so the server is never blocked by a full
// keyspace enumeration.
func (s *ValkeyStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(s.key(prefix)+"*").Count(scanBatchSize).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("valkey scan %s: %w", prefix, err)
		}

		for _, key := range entry.Elements {
			keys = append(keys, strings.TrimPrefix(key, s.prefix))
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// SAdd implements Store.
func (s *ValkeyStore) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.key(key)).Member(member).Build()).Error(); err != nil {
		return fmt.Errorf("valkey sadd %s: %w", key, err)
	}
	if ttl > 0 {
		if err := s.client.Do(ctx, s.client.B().Expire().Key(s.key(key)).Seconds(int64(ttl/time.Second)).Build()).Error(); err != nil {
			return fmt.Errorf("valkey expire %s: %w", key, err)
		}
	}
	return nil
}

// SMembers implements Store.
func (s *ValkeyStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.key(key)).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("valkey smembers %s: %w", key, err)
	}
	return members, nil
}

// SRem implements Store.
func (s *ValkeyStore) SRem(ctx context.Context, key, member string) error {
	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.key(key)).Member(member).Build()).Error(); err != nil {
		return fmt.Errorf("valkey srem %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
