// This file contains the StateStore interface and its Redis implementation.
// The store holds everything that must be visible across server instances:
// presence status, last-seen timestamps, session to user mappings, typing
// indicators, the fleet-wide online set, and the activity participant cache.
// Every entry except the online set decays by TTL; the online set relies on
// explicit removal reconciled by the Registry's periodic sweep.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userStatusPrefix   = "socket:user:status:"
	lastSeenPrefix     = "socket:user:lastseen:"
	typingPrefix       = "socket:typing:"
	typingConvPrefix   = "socket:typing:conversation:"
	onlineUsersKey     = "socket:online:users"
	sessionUserPrefix  = "socket:session:user:"
	userSessionPrefix  = "socket:user:session:"
	participantsPrefix = "socket:activity:participants:"
)

const (
	userStatusTTL   = 24 * time.Hour
	lastSeenTTL     = 7 * 24 * time.Hour
	typingTTL       = 30 * time.Second
	sessionTTL      = 12 * time.Hour
	participantsTTL = 6 * time.Hour
)

// TypingRecord is the per-session typing state held in the store. Absence of
// refresh for the typing TTL means the user stopped typing.
type TypingRecord struct {
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId"`
	Private        bool  `json:"isPrivate"`
}

// Conversation returns the scope the record belongs to.
func (r TypingRecord) Conversation() Conversation {
	return Conversation{ID: r.ConversationID, Private: r.Private}
}

// StateStore is the distributed key/value surface the subsystem depends on.
// Implementations must treat every operation as a blocking network call:
// context-bound, timeout-bound, and liable to transient failure. Callers are
// expected to degrade, not propagate.
type StateStore interface {
	SetUserStatus(ctx context.Context, userID int64, status Status) error
	UserStatus(ctx context.Context, userID int64) (Status, error)
	RemoveUserStatus(ctx context.Context, userID int64) error

	TouchLastSeen(ctx context.Context, userID int64, ts time.Time) error
	LastSeen(ctx context.Context, userID int64) (time.Time, bool, error)

	SetTyping(ctx context.Context, sessionID string, rec TypingRecord) error
	ClearTyping(ctx context.Context, sessionID string) (TypingRecord, bool, error)
	TypingUsers(ctx context.Context, conv Conversation) ([]int64, error)

	AddOnlineUser(ctx context.Context, userID int64, sessionID string) error
	// RemoveOnlineUser retracts the user's online-set membership and
	// session mapping only while sessionID still owns them; a retraction
	// racing a reconnect must not evict the newer session's records.
	RemoveOnlineUser(ctx context.Context, userID int64, sessionID string) error
	OnlineUsers(ctx context.Context) ([]int64, error)
	IsUserOnline(ctx context.Context, userID int64) (bool, error)

	CacheParticipants(ctx context.Context, activityID int64, userIDs []int64) error
	Participants(ctx context.Context, activityID int64) ([]int64, error)
	RemoveParticipants(ctx context.Context, activityID int64) error

	MapSessionToUser(ctx context.Context, sessionID string, userID int64) error
	UserBySession(ctx context.Context, sessionID string) (int64, bool, error)
	SessionByUser(ctx context.Context, userID int64) (string, bool, error)
	RemoveSessionMapping(ctx context.Context, sessionID string) error

	// CleanupOrphanedSessions removes session mappings whose user is no
	// longer in the online set and returns how many were pruned.
	CleanupOrphanedSessions(ctx context.Context) (int, error)
}

// RedisStateStore implements StateStore on a Redis client. All calls are
// wrapped with the configured timeout so one slow store round-trip cannot
// stall connection handling.
type RedisStateStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisStateStore wraps client. timeout bounds each store call; zero
// means the DefaultOptions store timeout.
func NewRedisStateStore(client redis.UniversalClient, timeout time.Duration) *RedisStateStore {
	if timeout <= 0 {
		timeout = DefaultOptions().StoreTimeout
	}
	return &RedisStateStore{client: client, timeout: timeout}
}

func (s *RedisStateStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStateStore) SetUserStatus(ctx context.Context, userID int64, status Status) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	err := s.client.Set(ctx, userStatusKey(userID), string(status), userStatusTTL).Err()
	return wrapF(err, "set status for user %d", userID)
}

func (s *RedisStateStore) UserStatus(ctx context.Context, userID int64) (Status, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	raw, err := s.client.Get(ctx, userStatusKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return StatusOffline, wrapF(err, "get status for user %d", userID)
	}
	status, ok := ParseStatus(raw)
	if !ok {
		return StatusOffline, internal("statestore", "unrecognized status value "+raw)
	}
	return status, nil
}

func (s *RedisStateStore) RemoveUserStatus(ctx context.Context, userID int64) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	return wrapF(s.client.Del(ctx, userStatusKey(userID)).Err(), "remove status for user %d", userID)
}

func (s *RedisStateStore) TouchLastSeen(ctx context.Context, userID int64, ts time.Time) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	value := strconv.FormatInt(ts.UnixMilli(), 10)
	return wrapF(s.client.Set(ctx, lastSeenKey(userID), value, lastSeenTTL).Err(), "touch last seen for user %d", userID)
}

func (s *RedisStateStore) LastSeen(ctx context.Context, userID int64) (time.Time, bool, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	raw, err := s.client.Get(ctx, lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapF(err, "get last seen for user %d", userID)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, wrapF(err, "parse last seen for user %d", userID)
	}
	return time.UnixMilli(millis), true, nil
}

func (s *RedisStateStore) SetTyping(ctx context.Context, sessionID string, rec TypingRecord) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return wrapF(err, "marshal typing record for session %s", sessionID)
	}

	convKey := typingConversationKey(rec.Conversation())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, typingPrefix+sessionID, data, typingTTL)
	pipe.SAdd(ctx, convKey, rec.UserID)
	pipe.Expire(ctx, convKey, typingTTL)

	_, err = pipe.Exec(ctx)
	return wrapF(err, "set typing for session %s", sessionID)
}

func (s *RedisStateStore) ClearTyping(ctx context.Context, sessionID string) (TypingRecord, bool, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	key := typingPrefix + sessionID
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return TypingRecord{}, false, nil
	}
	if err != nil {
		return TypingRecord{}, false, wrapF(err, "get typing record for session %s", sessionID)
	}

	var rec TypingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		_ = s.client.Del(ctx, key).Err()

		return TypingRecord{}, false, wrapF(err, "decode typing record for session %s", sessionID)
	}

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, typingConversationKey(rec.Conversation()), rec.UserID)
	pipe.Del(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return rec, true, wrapF(err, "clear typing for session %s", sessionID)
	}
	return rec, true, nil
}

func (s *RedisStateStore) TypingUsers(ctx context.Context, conv Conversation) ([]int64, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	members, err := s.client.SMembers(ctx, typingConversationKey(conv)).Result()
	if err != nil {
		return nil, wrapF(err, "get typing users for conversation %d", conv.ID)
	}
	return parseIDs(members), nil
}

func (s *RedisStateStore) AddOnlineUser(ctx context.Context, userID int64, sessionID string) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, onlineUsersKey, userID)
	pipe.Set(ctx, sessionUserPrefix+sessionID, userID, sessionTTL)
	pipe.Set(ctx, userSessionKey(userID), sessionID, sessionTTL)

	_, err := pipe.Exec(ctx)
	return wrapF(err, "add online user %d", userID)
}

func (s *RedisStateStore) RemoveOnlineUser(ctx context.Context, userID int64, sessionID string) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	current, err := s.client.Get(ctx, userSessionKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapF(err, "resolve session for user %d", userID)
	}
	if current != "" && current != sessionID {
		// A newer session owns the records now; the stale retraction only
		// clears its own forward mapping.
		return wrapF(s.client.Del(ctx, sessionUserPrefix+sessionID).Err(),
			"remove stale session mapping %s", sessionID)
	}

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, onlineUsersKey, userID)
	pipe.Del(ctx, userSessionKey(userID))
	pipe.Del(ctx, sessionUserPrefix+sessionID)

	_, err = pipe.Exec(ctx)
	return wrapF(err, "remove online user %d", userID)
}

func (s *RedisStateStore) OnlineUsers(ctx context.Context) ([]int64, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	members, err := s.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, wrap(err, "get online users")
	}
	return parseIDs(members), nil
}

func (s *RedisStateStore) IsUserOnline(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	online, err := s.client.SIsMember(ctx, onlineUsersKey, userID).Result()
	if err != nil {
		return false, wrapF(err, "check online state for user %d", userID)
	}
	return online, nil
}

func (s *RedisStateStore) CacheParticipants(ctx context.Context, activityID int64, userIDs []int64) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	key := participantsKey(activityID)
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, participantsTTL)
	}

	_, err := pipe.Exec(ctx)
	return wrapF(err, "cache participants for activity %d", activityID)
}

func (s *RedisStateStore) Participants(ctx context.Context, activityID int64) ([]int64, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	members, err := s.client.SMembers(ctx, participantsKey(activityID)).Result()
	if err != nil {
		return nil, wrapF(err, "get participants for activity %d", activityID)
	}
	return parseIDs(members), nil
}

func (s *RedisStateStore) RemoveParticipants(ctx context.Context, activityID int64) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	return wrapF(s.client.Del(ctx, participantsKey(activityID)).Err(), "remove participants for activity %d", activityID)
}

func (s *RedisStateStore) MapSessionToUser(ctx context.Context, sessionID string, userID int64) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionUserPrefix+sessionID, userID, sessionTTL)
	pipe.Set(ctx, userSessionKey(userID), sessionID, sessionTTL)

	_, err := pipe.Exec(ctx)
	return wrapF(err, "map session %s to user %d", sessionID, userID)
}

func (s *RedisStateStore) UserBySession(ctx context.Context, sessionID string) (int64, bool, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	raw, err := s.client.Get(ctx, sessionUserPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapF(err, "resolve user for session %s", sessionID)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, wrapF(err, "parse user id for session %s", sessionID)
	}
	return userID, true, nil
}

func (s *RedisStateStore) SessionByUser(ctx context.Context, userID int64) (string, bool, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	sessionID, err := s.client.Get(ctx, userSessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapF(err, "resolve session for user %d", userID)
	}
	return sessionID, true, nil
}

func (s *RedisStateStore) RemoveSessionMapping(ctx context.Context, sessionID string) error {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	raw, err := s.client.Get(ctx, sessionUserPrefix+sessionID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapF(err, "resolve user for session %s", sessionID)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionUserPrefix+sessionID)
	if raw != "" {
		if userID, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			// The reverse mapping may already belong to a newer session.
			current, getErr := s.client.Get(ctx, userSessionKey(userID)).Result()
			if getErr == nil && current == sessionID {
				pipe.Del(ctx, userSessionKey(userID))
			}
		}
	}

	_, err = pipe.Exec(ctx)
	return wrapF(err, "remove session mapping %s", sessionID)
}

func (s *RedisStateStore) CleanupOrphanedSessions(ctx context.Context) (int, error) {
	ctx, cancel := s.bound(ctx)

	defer cancel()

	online, err := s.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return 0, wrap(err, "list online users for cleanup")
	}
	onlineSet := make(map[string]struct{}, len(online))
	for _, id := range online {
		onlineSet[id] = struct{}{}
	}

	pruned := 0
	iter := s.client.Scan(ctx, 0, sessionUserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, err := s.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		if _, ok := onlineSet[userID]; ok {
			continue
		}
		sessionID := key[len(sessionUserPrefix):]
		if err := s.RemoveSessionMapping(ctx, sessionID); err == nil {
			pruned++
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, wrap(err, "scan session mappings")
	}
	return pruned, nil
}

func userStatusKey(userID int64) string {
	return userStatusPrefix + strconv.FormatInt(userID, 10)
}

func lastSeenKey(userID int64) string {
	return lastSeenPrefix + strconv.FormatInt(userID, 10)
}

func userSessionKey(userID int64) string {
	return userSessionPrefix + strconv.FormatInt(userID, 10)
}

func participantsKey(activityID int64) string {
	return participantsPrefix + strconv.FormatInt(activityID, 10)
}

func typingConversationKey(conv Conversation) string {
	scope := "activity:"
	if conv.Private {
		scope = "private:"
	}
	return typingConvPrefix + scope + strconv.FormatInt(conv.ID, 10)
}

func parseIDs(values []string) []int64 {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
