package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStateStore) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
	})
	return mr, NewRedisStateStore(client, time.Second)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	mu        sync.Mutex
	sessionID string
	frames    []Frame
	active    bool
}

func newFakeChannel(sessionID string) *fakeChannel {
	return &fakeChannel{sessionID: sessionID, active: true}
}

func (f *fakeChannel) SessionID() string { return f.sessionID }

func (f *fakeChannel) SendJSON(v interface{}) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	if !f.active {
		return unavailable("connection", "channel is closed")
	}
	if frame, ok := v.(Frame); ok {
		f.frames = append(f.frames, frame)
	}
	return nil
}

func (f *fakeChannel) IsActive() bool {
	f.mu.Lock()

	defer f.mu.Unlock()

	return f.active
}

func (f *fakeChannel) Close() {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.active = false
}

func (f *fakeChannel) framesFor(event string) []Frame {
	f.mu.Lock()

	defer f.mu.Unlock()

	var matched []Frame
	for _, frame := range f.frames {
		if frame.Event == event {
			matched = append(matched, frame)
		}
	}
	return matched
}

func (f *fakeChannel) frameCount() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return len(f.frames)
}

type fakeMembership struct {
	mu           sync.Mutex
	participants map[int64][]int64
	owners       map[int64]int64
	listCalls    int
	verifyCalls  int
	err          error
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{
		participants: make(map[int64][]int64),
		owners:       make(map[int64]int64),
	}
}

func (f *fakeMembership) VerifiedParticipants(ctx context.Context, activityID int64) ([]int64, error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]int64(nil), f.participants[activityID]...), nil
}

func (f *fakeMembership) IsVerifiedParticipant(ctx context.Context, activityID, userID int64) (bool, error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.verifyCalls++
	if f.err != nil {
		return false, f.err
	}
	for _, id := range f.participants[activityID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMembership) ActivityOwner(ctx context.Context, activityID int64) (int64, error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}
	return f.owners[activityID], nil
}

func (f *fakeMembership) calls() (list, verify int) {
	f.mu.Lock()

	defer f.mu.Unlock()

	return f.listCalls, f.verifyCalls
}

type fakeDirectory struct {
	names map[int64]string
}

func (f *fakeDirectory) DisplayName(ctx context.Context, userID int64) (string, error) {
	if name, ok := f.names[userID]; ok {
		return name, nil
	}
	return "", notFound("directory", "unknown user")
}

type fakeNotes struct {
	mu    sync.Mutex
	saved []Notification
	err   error
}

func (f *fakeNotes) SaveNotification(ctx context.Context, n Notification) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, n)
	return nil
}

func (f *fakeNotes) count() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return len(f.saved)
}

// stubStore is an in-memory StateStore for tests that exercise components
// without a live Redis. It is goroutine-free so leak checks stay quiet.
type stubStore struct {
	mu          sync.Mutex
	statuses    map[int64]Status
	lastSeen    map[int64]time.Time
	typing      map[string]TypingRecord
	online      map[int64]struct{}
	userSession map[int64]string
	rooms       map[int64][]int64
	sessions    map[string]int64
	failWith    error
}

func newStubStore() *stubStore {
	return &stubStore{
		statuses:    make(map[int64]Status),
		lastSeen:    make(map[int64]time.Time),
		typing:      make(map[string]TypingRecord),
		online:      make(map[int64]struct{}),
		userSession: make(map[int64]string),
		rooms:       make(map[int64][]int64),
		sessions:    make(map[string]int64),
	}
}

func (s *stubStore) SetUserStatus(ctx context.Context, userID int64, status Status) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.statuses[userID] = status
	return nil
}

func (s *stubStore) UserStatus(ctx context.Context, userID int64) (Status, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return StatusOffline, s.failWith
	}
	if status, ok := s.statuses[userID]; ok {
		return status, nil
	}
	return StatusOffline, nil
}

func (s *stubStore) RemoveUserStatus(ctx context.Context, userID int64) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	delete(s.statuses, userID)
	return nil
}

func (s *stubStore) TouchLastSeen(ctx context.Context, userID int64, ts time.Time) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.lastSeen[userID] = ts
	return nil
}

func (s *stubStore) LastSeen(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return time.Time{}, false, s.failWith
	}
	ts, ok := s.lastSeen[userID]
	return ts, ok, nil
}

func (s *stubStore) SetTyping(ctx context.Context, sessionID string, rec TypingRecord) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.typing[sessionID] = rec
	return nil
}

func (s *stubStore) ClearTyping(ctx context.Context, sessionID string) (TypingRecord, bool, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return TypingRecord{}, false, s.failWith
	}
	rec, ok := s.typing[sessionID]
	delete(s.typing, sessionID)
	return rec, ok, nil
}

func (s *stubStore) TypingUsers(ctx context.Context, conv Conversation) ([]int64, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}
	var users []int64
	for _, rec := range s.typing {
		if rec.Conversation() == conv {
			users = append(users, rec.UserID)
		}
	}
	return users, nil
}

func (s *stubStore) AddOnlineUser(ctx context.Context, userID int64, sessionID string) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.online[userID] = struct{}{}
	s.userSession[userID] = sessionID
	s.sessions[sessionID] = userID
	return nil
}

func (s *stubStore) RemoveOnlineUser(ctx context.Context, userID int64, sessionID string) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	if current, ok := s.userSession[userID]; ok && current != sessionID {
		delete(s.sessions, sessionID)
		return nil
	}
	delete(s.online, userID)
	delete(s.userSession, userID)
	delete(s.sessions, sessionID)
	return nil
}

func (s *stubStore) OnlineUsers(ctx context.Context) ([]int64, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}
	users := make([]int64, 0, len(s.online))
	for id := range s.online {
		users = append(users, id)
	}
	return users, nil
}

func (s *stubStore) IsUserOnline(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return false, s.failWith
	}
	_, ok := s.online[userID]
	return ok, nil
}

func (s *stubStore) CacheParticipants(ctx context.Context, activityID int64, userIDs []int64) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.rooms[activityID] = append([]int64(nil), userIDs...)
	return nil
}

func (s *stubStore) Participants(ctx context.Context, activityID int64) ([]int64, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}
	return append([]int64(nil), s.rooms[activityID]...), nil
}

func (s *stubStore) RemoveParticipants(ctx context.Context, activityID int64) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	delete(s.rooms, activityID)
	return nil
}

func (s *stubStore) MapSessionToUser(ctx context.Context, sessionID string, userID int64) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.sessions[sessionID] = userID
	s.userSession[userID] = sessionID
	return nil
}

func (s *stubStore) UserBySession(ctx context.Context, sessionID string) (int64, bool, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return 0, false, s.failWith
	}
	userID, ok := s.sessions[sessionID]
	return userID, ok, nil
}

func (s *stubStore) SessionByUser(ctx context.Context, userID int64) (string, bool, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return "", false, s.failWith
	}
	sessionID, ok := s.userSession[userID]
	return sessionID, ok, nil
}

func (s *stubStore) RemoveSessionMapping(ctx context.Context, sessionID string) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if userID, ok := s.sessions[sessionID]; ok && s.userSession[userID] == sessionID {
		delete(s.userSession, userID)
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *stubStore) CleanupOrphanedSessions(ctx context.Context) (int, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.failWith != nil {
		return 0, s.failWith
	}
	pruned := 0
	for sessionID, userID := range s.sessions {
		if _, ok := s.online[userID]; !ok {
			delete(s.sessions, sessionID)
			if s.userSession[userID] == sessionID {
				delete(s.userSession, userID)
			}

			pruned++
		}
	}
	return pruned, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
