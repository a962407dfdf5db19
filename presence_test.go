package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestPresenceStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("set then read", func(t *testing.T) {
		_, store := newTestStore(t)
		presence := NewPresenceTracker(store, nil, testLogger())

		presence.SetStatus(ctx, 1, StatusBusy)

		if got := presence.Status(ctx, 1); got != StatusBusy {
			t.Errorf("expected BUSY, got %s", got)
		}
	})

	t.Run("unknown user reads as OFFLINE", func(t *testing.T) {
		_, store := newTestStore(t)
		presence := NewPresenceTracker(store, nil, testLogger())

		if got := presence.Status(ctx, 404); got != StatusOffline {
			t.Errorf("expected OFFLINE, got %s", got)
		}
	})

	t.Run("store failure degrades to OFFLINE", func(t *testing.T) {
		store := newStubStore()
		store.failWith = unavailable("store", "down")

		presence := NewPresenceTracker(store, nil, testLogger())

		if got := presence.Status(ctx, 1); got != StatusOffline {
			t.Errorf("expected OFFLINE on store failure, got %s", got)
		}
	})

	t.Run("set on a failing store is a silent no-op", func(t *testing.T) {
		store := newStubStore()
		store.failWith = unavailable("store", "down")

		presence := NewPresenceTracker(store, nil, testLogger())
		presence.SetStatus(ctx, 1, StatusOnline)
	})

	t.Run("set refreshes last seen", func(t *testing.T) {
		_, store := newTestStore(t)
		presence := NewPresenceTracker(store, nil, testLogger())

		presence.SetStatus(ctx, 1, StatusOnline)

		if _, found := presence.LastSeen(ctx, 1); !found {
			t.Error("expected last seen to be set alongside status")
		}
	})
}

func TestPresenceLastSeen(t *testing.T) {
	ctx := context.Background()

	t.Run("touch then read", func(t *testing.T) {
		_, store := newTestStore(t)
		presence := NewPresenceTracker(store, nil, testLogger())

		ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		presence.TouchLastSeen(ctx, 1, ts)

		got, found := presence.LastSeen(ctx, 1)
		if !found {
			t.Fatal("expected last seen to be found")
		}
		if !got.Equal(ts) {
			t.Errorf("expected %v, got %v", ts, got)
		}
	})

	t.Run("missing reads as not found", func(t *testing.T) {
		_, store := newTestStore(t)
		presence := NewPresenceTracker(store, nil, testLogger())

		if _, found := presence.LastSeen(ctx, 9); found {
			t.Error("expected no last seen for unknown user")
		}
	})
}

func TestPresenceOnlineQueries(t *testing.T) {
	ctx := context.Background()

	t.Run("distributed set is the authority", func(t *testing.T) {
		_, store := newTestStore(t)
		presence := NewPresenceTracker(store, nil, testLogger())

		if err := store.AddOnlineUser(ctx, 3, "sess-3"); err != nil {
			t.Fatalf("AddOnlineUser failed: %v", err)
		}

		if !presence.IsOnline(ctx, 3) {
			t.Error("expected user 3 to read online")
		}
		if presence.IsOnline(ctx, 4) {
			t.Error("expected user 4 to read offline")
		}
		if users := presence.OnlineUsers(ctx); len(users) != 1 || users[0] != 3 {
			t.Errorf("expected online set [3], got %v", users)
		}
	})

	t.Run("store failure reads as offline and empty", func(t *testing.T) {
		store := newStubStore()
		store.failWith = unavailable("store", "down")

		presence := NewPresenceTracker(store, nil, testLogger())

		if presence.IsOnline(ctx, 1) {
			t.Error("expected offline on store failure")
		}
		if users := presence.OnlineUsers(ctx); users != nil {
			t.Errorf("expected nil online set on store failure, got %v", users)
		}
	})
}

func TestPresencePublishesStatusChanges(t *testing.T) {
	ctx := context.Background()

	_, store := newTestStore(t)
	pubsub := NewLocalPubSub(ctx, 10)

	defer pubsub.Close()

	received := make(chan presenceChange, 1)
	err := pubsub.Subscribe(presenceTopicPrefix+"status", func(topic string, data []byte) {
		var change presenceChange
		if err := json.Unmarshal(data, &change); err == nil {
			received <- change
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	presence := NewPresenceTracker(store, pubsub, testLogger())
	presence.SetStatus(ctx, 7, StatusAway)

	select {
	case change := <-received:
		if change.UserID != 7 || change.Status != StatusAway {
			t.Errorf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a status change on the fabric")
	}
}
