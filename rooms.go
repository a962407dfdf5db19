package realtime

import (
	"context"
	"log/slog"
)

// RoomCache resolves the verified participant set of an activity room. The
// distributed store serves as a read-through cache in front of the membership
// collaborator; a hit avoids the collaborator entirely. Empty results are
// never cached so a room that gains its first member is visible immediately.
type RoomCache struct {
	store      StateStore
	membership MembershipService
	log        *slog.Logger
}

// NewRoomCache creates a cache over store backed by membership.
func NewRoomCache(store StateStore, membership MembershipService, log *slog.Logger) *RoomCache {
	if log == nil {
		log = slog.Default()
	}
	return &RoomCache{store: store, membership: membership, log: log}
}

// ParticipantsOf returns the verified participants of the activity. Cache
// misses and cache errors both fall through to the membership collaborator;
// only the collaborator failing is an error.
func (r *RoomCache) ParticipantsOf(ctx context.Context, activityID int64) ([]int64, error) {
	cached, err := r.store.Participants(ctx, activityID)
	if err != nil {
		r.log.Warn("participant cache read failed, falling back", "activityId", activityID, "error", err)
	} else if len(cached) > 0 {
		return cached, nil
	}

	participants, err := r.membership.VerifiedParticipants(ctx, activityID)
	if err != nil {
		return nil, wrapF(err, "resolving participants of activity %d", activityID)
	}
	if len(participants) == 0 {
		return nil, nil
	}

	if err := r.store.CacheParticipants(ctx, activityID, participants); err != nil {
		r.log.Warn("participant cache write failed", "activityId", activityID, "error", err)
	}
	return participants, nil
}

// Invalidate drops the cached participant set so the next read re-resolves
// from the membership collaborator. Best effort.
func (r *RoomCache) Invalidate(ctx context.Context, activityID int64) {
	if err := r.store.RemoveParticipants(ctx, activityID); err != nil {
		r.log.Warn("participant cache invalidation failed", "activityId", activityID, "error", err)
	}
}

// IsParticipant reports whether userID is a verified participant, using the
// cached set when available.
func (r *RoomCache) IsParticipant(ctx context.Context, activityID, userID int64) (bool, error) {
	participants, err := r.ParticipantsOf(ctx, activityID)
	if err != nil {
		return false, err
	}
	for _, id := range participants {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}
