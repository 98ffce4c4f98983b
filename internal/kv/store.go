package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a minimal key-value abstraction with per-key expiry and an atomic
// conditional-set primitive. Two implementations exist: an in-process map for
// single-instance deployments and a Valkey-backed store for multi-replica
// deployments. The backend is selected once at startup by configuration.
//
// A ttl of zero means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX sets the key only if it does not already exist. Returns true if
	// the key was set. This is the primitive behind the distributed lock.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SAdd adds a member to the set at key, refreshing the set's ttl.
	SAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key, member string) error

	Close() error
}
