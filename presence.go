// This file contains the Presence Tracker. Presence is an enhancement, not a
// correctness-critical path: every operation is best effort, store failures
// are logged and swallowed, and reads degrade to OFFLINE or empty. The
// distributed store is the single authority for cross-instance presence; the
// local Registry only answers "is this connection mine".
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const presenceTopicPrefix = "realtime:presence:"

// PresenceTracker reads and writes user availability and last-seen
// timestamps in the distributed store, and publishes status transitions on
// the fabric when one is configured.
type PresenceTracker struct {
	store  StateStore
	pubsub PubSub
	log    *slog.Logger
	now    func() time.Time
}

type presenceChange struct {
	UserID    int64     `json:"userId"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPresenceTracker creates a tracker over store. pubsub may be nil.
func NewPresenceTracker(store StateStore, pubsub PubSub, log *slog.Logger) *PresenceTracker {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceTracker{store: store, pubsub: pubsub, log: log, now: time.Now}
}

// SetStatus records the user's availability with the status retention window
// and refreshes last-seen. Store failure is a logged no-op.
func (p *PresenceTracker) SetStatus(ctx context.Context, userID int64, status Status) {
	if err := p.store.SetUserStatus(ctx, userID, status); err != nil {
		p.log.Warn("failed to set user status", "userId", userID, "status", status, "error", err)

		return
	}
	p.TouchLastSeen(ctx, userID, p.now())

	p.publishChange(userID, status)
}

// Status returns the user's availability, defaulting to OFFLINE on a cache
// miss or store error. It never returns an error to the caller.
func (p *PresenceTracker) Status(ctx context.Context, userID int64) Status {
	status, err := p.store.UserStatus(ctx, userID)
	if err != nil {
		p.log.Warn("failed to read user status, defaulting to offline", "userId", userID, "error", err)

		return StatusOffline
	}
	return status
}

// TouchLastSeen refreshes the user's last-seen timestamp. Best effort.
func (p *PresenceTracker) TouchLastSeen(ctx context.Context, userID int64, ts time.Time) {
	if err := p.store.TouchLastSeen(ctx, userID, ts); err != nil {
		p.log.Warn("failed to touch last seen", "userId", userID, "error", err)
	}
}

// LastSeen returns the user's last-seen timestamp. ok is false on a miss or
// store error.
func (p *PresenceTracker) LastSeen(ctx context.Context, userID int64) (time.Time, bool) {
	ts, found, err := p.store.LastSeen(ctx, userID)
	if err != nil {
		p.log.Warn("failed to read last seen", "userId", userID, "error", err)

		return time.Time{}, false
	}
	return ts, found
}

// IsOnline reports fleet-wide online state. The distributed store is the
// authority here; a store failure reads as offline.
func (p *PresenceTracker) IsOnline(ctx context.Context, userID int64) bool {
	online, err := p.store.IsUserOnline(ctx, userID)
	if err != nil {
		p.log.Warn("failed to check online state", "userId", userID, "error", err)

		return false
	}
	return online
}

// OnlineUsers returns the fleet-wide online set, or nil on store error.
func (p *PresenceTracker) OnlineUsers(ctx context.Context) []int64 {
	users, err := p.store.OnlineUsers(ctx)
	if err != nil {
		p.log.Warn("failed to list online users", "error", err)

		return nil
	}
	return users
}

func (p *PresenceTracker) publishChange(userID int64, status Status) {
	if p.pubsub == nil {
		return
	}
	data, err := json.Marshal(presenceChange{UserID: userID, Status: status, Timestamp: p.now()})
	if err != nil {
		return
	}
	topic := presenceTopicPrefix + "status"

	go func() {
		if err := p.pubsub.Publish(topic, data); err != nil {
			p.log.Debug("presence publish failed", "userId", userID, "error", err)
		}
	}()
}
