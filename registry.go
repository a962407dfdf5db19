// This file contains the Connection Registry: the process-local map from user
// identity to live channel. The registry is authoritative only for this
// process; the distributed store is the authority across the fleet. Local and
// distributed state are reconciled by the periodic sweep, never by a
// transaction; callers must assume eventual consistency between the two.
package realtime

import (
	"context"
	"log/slog"
	"time"
)

type registryEntry struct {
	channel   Channel
	userID    int64
	openedAt  time.Time
	sessionID string
}

// Registry tracks which user owns which live local channel and mirrors
// connect/disconnect transitions into the distributed store. At most one live
// local connection exists per user id: registering a second connection for a
// user force-closes the first.
type Registry struct {
	conns *table[registryEntry]
	store StateStore
	log   *slog.Logger
	hooks *Hooks
	now   func() time.Time
}

// NewRegistry creates a registry backed by store. A nil logger falls back to
// slog.Default.
func NewRegistry(store StateStore, log *slog.Logger, hooks *Hooks) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		conns: newTable[registryEntry](),
		store: store,
		log:   log,
		hooks: hooks,
		now:   time.Now,
	}
}

// Register stores ch as userID's live channel, force-closing any previous
// channel for the same user. The distributed online-set and session-mapping
// writes are best effort: a store failure is logged and the local
// registration stands, to be reconciled by the sweep.
func (r *Registry) Register(ctx context.Context, userID int64, sessionID string, ch Channel) {
	entry := registryEntry{
		channel:   ch,
		userID:    userID,
		sessionID: sessionID,
		openedAt:  r.now(),
	}
	prev, replaced := r.conns.Put(userID, entry)

	if replaced {
		r.log.Info("replacing existing connection",
			"userId", userID,
			"oldSession", prev.sessionID,
			"newSession", sessionID)

		r.hooks.metrics().ConnectionReplaced(userID)

		prev.channel.Close()

		// The superseded session's close event will find no registration
		// to remove, so its disconnect is reported here.
		r.hooks.disconnected(userID, prev.sessionID)
	}

	if err := r.store.AddOnlineUser(ctx, userID, sessionID); err != nil {
		r.log.Warn("failed to record online state, local registration stands",
			"userId", userID, "error", err)

		r.hooks.metrics().Error("registry", err)
	}

	r.hooks.metrics().ConnectionOpened(sessionID, userID)

	r.hooks.connected(userID, sessionID)
}

// UnregisterBySession resolves the session's owning user through the
// distributed mapping (falling back to a local scan when the store cannot
// answer) and removes both the local entry and the distributed records. The
// retraction runs only when the session still owns the registration: a close
// event for a session that was already replaced must not tear down the newer
// connection's online state. It reports whether the session owned the
// registration. Unregistering an unknown or already-removed session is a
// no-op, so duplicate close events are harmless.
func (r *Registry) UnregisterBySession(ctx context.Context, sessionID string) bool {
	userID, found, err := r.store.UserBySession(ctx, sessionID)
	if err != nil {
		r.log.Warn("session lookup failed, falling back to local scan",
			"sessionId", sessionID, "error", err)

		r.hooks.metrics().Error("registry", err)
	}
	if !found {
		userID, found = r.findLocalBySession(sessionID)
	}
	if !found {
		return false
	}

	entry, removed := r.conns.DeleteIf(userID, func(e registryEntry) bool {
		return e.sessionID == sessionID
	})
	if !removed {
		// A newer connection holds the registration; only the stale
		// session's own mapping gets cleaned up.
		if err := r.store.RemoveSessionMapping(ctx, sessionID); err != nil {
			r.log.Warn("failed to remove stale session mapping", "sessionId", sessionID, "error", err)
		}
		return false
	}

	r.hooks.metrics().ConnectionClosed(sessionID, r.now().Sub(entry.openedAt))

	r.hooks.disconnected(userID, sessionID)

	if err := combine(
		r.store.RemoveOnlineUser(ctx, userID, sessionID),
		r.store.RemoveSessionMapping(ctx, sessionID),
	); err != nil {
		r.log.Warn("failed to retract online state", "userId", userID, "sessionId", sessionID, "error", err)

		r.hooks.metrics().Error("registry", err)
	}
	return true
}

// IsLocallyConnected reports whether this process holds an open channel for
// the user. It never consults the distributed store; cross-instance presence
// questions belong to the Presence Tracker.
func (r *Registry) IsLocallyConnected(userID int64) bool {
	entry, ok := r.conns.Get(userID)
	return ok && entry.channel.IsActive()
}

// Get returns the user's live local channel, if any.
func (r *Registry) Get(userID int64) (Channel, bool) {
	entry, ok := r.conns.Get(userID)
	if !ok {
		return nil, false
	}
	return entry.channel, true
}

// dropClosed removes the user's entry only if its channel reports closed,
// retracting the distributed records as well. Used by the Dispatcher for
// lazy cleanup when a send finds a dead channel.
func (r *Registry) dropClosed(ctx context.Context, userID int64) {
	entry, removed := r.conns.DeleteIf(userID, func(e registryEntry) bool {
		return !e.channel.IsActive()
	})
	if !removed {
		return
	}

	r.hooks.metrics().ConnectionClosed(entry.sessionID, r.now().Sub(entry.openedAt))

	r.hooks.disconnected(userID, entry.sessionID)

	if err := combine(
		r.store.RemoveOnlineUser(ctx, userID, entry.sessionID),
		r.store.RemoveSessionMapping(ctx, entry.sessionID),
	); err != nil {
		r.log.Warn("failed to retract online state for dead channel",
			"userId", userID, "sessionId", entry.sessionID, "error", err)
	}
}

// SweepStale scans local entries, removes any whose channel reports closed,
// retracts them from the distributed store, and prunes orphaned session
// mappings. It returns the number of local entries removed. The sweep is the
// reconciliation mechanism between local memory and the store; its cadence
// bounds the staleness window of the distributed online set.
func (r *Registry) SweepStale(ctx context.Context) int {
	removed := 0
	for userID, entry := range r.conns.Snapshot() {
		if entry.channel.IsActive() {
			continue
		}
		if _, ok := r.conns.DeleteIf(userID, func(e registryEntry) bool {
			return e.sessionID == entry.sessionID
		}); !ok {
			continue
		}
		removed++

		r.hooks.disconnected(userID, entry.sessionID)

		if err := combine(
			r.store.RemoveOnlineUser(ctx, userID, entry.sessionID),
			r.store.RemoveSessionMapping(ctx, entry.sessionID),
		); err != nil {
			r.log.Warn("sweep failed to retract online state",
				"userId", userID, "sessionId", entry.sessionID, "error", err)
		}
	}

	if pruned, err := r.store.CleanupOrphanedSessions(ctx); err != nil {
		r.log.Warn("orphaned session cleanup failed", "error", err)
	} else if pruned > 0 {
		r.log.Debug("pruned orphaned session mappings", "count", pruned)
	}

	if removed > 0 {
		r.log.Info("swept stale connections", "removed", removed)
	}
	return removed
}

// RunSweeper runs SweepStale every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepStale(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// LocalUsers returns the user ids of every locally registered connection.
// The slice is a snapshot; entries may close while it is being iterated.
func (r *Registry) LocalUsers() []int64 {
	snapshot := r.conns.Snapshot()
	users := make([]int64, 0, len(snapshot))
	for userID := range snapshot {
		users = append(users, userID)
	}
	return users
}

// Len returns the number of locally registered connections.
func (r *Registry) Len() int {
	return r.conns.Len()
}

func (r *Registry) findLocalBySession(sessionID string) (int64, bool) {
	for userID, entry := range r.conns.Snapshot() {
		if entry.sessionID == sessionID {
			return userID, true
		}
	}
	return 0, false
}
