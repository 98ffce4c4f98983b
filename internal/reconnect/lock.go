package reconnect

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tollgate/internal/kv"
	"tollgate/pkg/logging"
)

const (
	lockKeyPrefix   = "reconnect:lock:"
	statusKeyPrefix = "reconnect:status:"
)

// Attempt outcomes recorded in the cooldown status record.
const (
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Lock provides per-pair mutual exclusion for reconnection attempts across
// gateway replicas, plus a cooldown record that rate-limits attempts. Both
// ride on the shared kv backend; the lock is a single atomic
// set-if-not-exists with a TTL so a crashed holder cannot wedge the pair.
//
// The lock fails open: if the backend is unreachable the attempt proceeds
// unlocked. A duplicated reconnection is cheaper than none at all.
type Lock struct {
	store    kv.Store
	ttl      time.Duration
	cooldown time.Duration
}

// NewLock creates a lock manager. ttl bounds lock tenure; cooldown is the
// minimum spacing between attempts for one pair.
func NewLock(store kv.Store, ttl, cooldown time.Duration) *Lock {
	return &Lock{store: store, ttl: ttl, cooldown: cooldown}
}

func lockKey(userID, serverID string) string {
	return lockKeyPrefix + userID + ":" + serverID
}

func statusKey(userID, serverID string) string {
	return statusKeyPrefix + userID + ":" + serverID
}

// Acquire attempts to take the pair's lock. It returns the holder token to
// pass to Release and whether the lock was obtained. On backend failure it
// returns acquired with an empty holder.
func (l *Lock) Acquire(ctx context.Context, userID, serverID string) (string, bool) {
	holder := uuid.NewString()

	ok, err := l.store.SetNX(ctx, lockKey(userID, serverID), []byte(holder), l.ttl)
	if err != nil {
		logging.Warn("Reconnect", "Lock store unavailable for %s/%s, proceeding unlocked: %v",
			logging.TruncateUserID(userID), serverID, err)
		return "", true
	}
	if !ok {
		return "", false
	}
	return holder, true
}

// Release frees the lock if this caller still holds it. A lock that
// expired and was re-acquired elsewhere is left alone.
func (l *Lock) Release(ctx context.Context, userID, serverID, holder string) {
	if holder == "" {
		return
	}

	current, err := l.store.Get(ctx, lockKey(userID, serverID))
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		logging.Warn("Reconnect", "Failed to inspect lock for %s/%s: %v",
			logging.TruncateUserID(userID), serverID, err)
		return
	}
	if string(current) != holder {
		return
	}

	if err := l.store.Delete(ctx, lockKey(userID, serverID)); err != nil {
		logging.Warn("Reconnect", "Failed to release lock for %s/%s: %v",
			logging.TruncateUserID(userID), serverID, err)
	}
}

// IsLocked reports whether the pair's lock is currently held. Backend
// failures fail open and report unlocked.
func (l *Lock) IsLocked(ctx context.Context, userID, serverID string) bool {
	held, err := l.store.Exists(ctx, lockKey(userID, serverID))
	if err != nil {
		logging.Warn("Reconnect", "Failed to inspect lock for %s/%s: %v",
			logging.TruncateUserID(userID), serverID, err)
		return false
	}
	return held
}

// SetStatus writes the cooldown status record. Its TTL is what spaces
// attempts apart.
func (l *Lock) SetStatus(ctx context.Context, userID, serverID, status string) {
	if err := l.store.Set(ctx, statusKey(userID, serverID), []byte(status), l.cooldown); err != nil {
		logging.Warn("Reconnect", "Failed to record status for %s/%s: %v",
			logging.TruncateUserID(userID), serverID, err)
	}
}

// Status returns the current cooldown record, if any.
func (l *Lock) Status(ctx context.Context, userID, serverID string) (string, bool) {
	data, err := l.store.Get(ctx, statusKey(userID, serverID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", false
	}
	if err != nil {
		logging.Warn("Reconnect", "Failed to read status for %s/%s: %v",
			logging.TruncateUserID(userID), serverID, err)
		return "", false
	}
	return string(data), true
}

// CanAttempt reports whether the pair may be attempted now: not while the
// lock is held elsewhere, and not inside the cooldown left by the last
// attempt. Backend failures fail open.
func (l *Lock) CanAttempt(ctx context.Context, userID, serverID string) bool {
	if l.IsLocked(ctx, userID, serverID) {
		return false
	}
	_, recorded := l.Status(ctx, userID, serverID)
	return !recorded
}
