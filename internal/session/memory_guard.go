package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// MemoryGuard wraps a [SessionStore] and makes Save and Delete non-fatal. If
// the underlying store fails, those operations log a warning and return nil
// instead of propagating the error; Load errors are returned unchanged.
//
// This allows a session to keep running even when the persistence backend
// is temporarily unavailable (e.g., database restart, network partition).
// IsDegraded reports whether the most recent operation failed.
//
// MemoryGuard implements [SessionStore]. All methods are safe for
// concurrent use.
type MemoryGuard struct {
	store    SessionStore
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
func NewMemoryGuard(store SessionStore) *MemoryGuard {
	return &MemoryGuard{store: store}
}

// Save attempts to persist sess. On failure the error is logged and
// swallowed; the store is marked as degraded.
func (mg *MemoryGuard) Save(ctx context.Context, sess *types.Session) error {
	if err := mg.store.Save(ctx, sess); err != nil {
		mg.degraded.Store(true)
		slog.WarnContext(ctx, "memory guard: Save failed, swallowing error", "session_id", sess.ID, "error", err)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// Load attempts to read sess from the underlying store. Unlike Save and
// Delete, a Load failure is not swallowed: callers need to know whether a
// session genuinely does not exist versus the store being unreachable, so
// the error (including [ErrSessionNotFound]) is returned as-is.
func (mg *MemoryGuard) Load(ctx context.Context, id string) (*types.Session, error) {
	sess, err := mg.store.Load(ctx, id)
	if err != nil {
		mg.degraded.Store(true)
		return nil, err
	}
	mg.degraded.Store(false)
	return sess, nil
}

// Delete attempts to remove the stored session. On failure the error is
// logged and swallowed; the store is marked as degraded.
func (mg *MemoryGuard) Delete(ctx context.Context, id string) error {
	if err := mg.store.Delete(ctx, id); err != nil {
		mg.degraded.Store(true)
		slog.WarnContext(ctx, "memory guard: Delete failed, swallowing error", "session_id", id, "error", err)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the store is currently operating in degraded
// mode (i.e., the most recent Save, Load or Delete failed).
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

var _ SessionStore = (*MemoryGuard)(nil)
