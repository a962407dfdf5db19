package realtime

import (
	"context"
	"sync"
	"testing"
)

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to a locally connected user", func(t *testing.T) {
		_, store := newTestStore(t)
		registry := NewRegistry(store, testLogger(), nil)
		dispatcher := NewDispatcher(registry, store, testLogger(), nil)

		ch := newFakeChannel("sess-1")
		registry.Register(ctx, 1, "sess-1", ch)

		if !dispatcher.Deliver(ctx, 1, Frame{Event: "ping"}) {
			t.Fatal("expected delivery to succeed")
		}
		if got := ch.framesFor("ping"); len(got) != 1 {
			t.Errorf("expected one ping frame, got %d", len(got))
		}
	})

	t.Run("absent user is a non-delivery", func(t *testing.T) {
		_, store := newTestStore(t)
		registry := NewRegistry(store, testLogger(), nil)
		dispatcher := NewDispatcher(registry, store, testLogger(), nil)

		if dispatcher.Deliver(ctx, 404, Frame{Event: "ping"}) {
			t.Error("expected delivery to an absent user to fail")
		}
	})

	t.Run("closed channel is pruned lazily", func(t *testing.T) {
		_, store := newTestStore(t)
		registry := NewRegistry(store, testLogger(), nil)
		dispatcher := NewDispatcher(registry, store, testLogger(), nil)

		ch := newFakeChannel("sess-1")
		registry.Register(ctx, 1, "sess-1", ch)

		ch.Close()

		if dispatcher.Deliver(ctx, 1, Frame{Event: "ping"}) {
			t.Error("expected delivery to a closed channel to fail")
		}
		if registry.IsLocallyConnected(1) {
			t.Error("expected the dead entry to be removed")
		}
		online, err := store.IsUserOnline(ctx, 1)
		if err != nil || online {
			t.Errorf("expected store retraction after lazy cleanup, got %v (err=%v)", online, err)
		}
	})

	t.Run("remote online recipients are counted for telemetry", func(t *testing.T) {
		_, store := newTestStore(t)
		registry := NewRegistry(store, testLogger(), nil)

		var mu sync.Mutex
		var remoteHits []int64

		hooks := &Hooks{Metrics: &recordingMetrics{onRemoteHit: func(userID int64) {
			mu.Lock()
			remoteHits = append(remoteHits, userID)
			mu.Unlock()
		}}}
		dispatcher := NewDispatcher(registry, store, testLogger(), hooks)

		// User 2 is connected on another instance.
		if err := store.AddOnlineUser(ctx, 2, "sess-remote"); err != nil {
			t.Fatalf("AddOnlineUser failed: %v", err)
		}

		if dispatcher.Deliver(ctx, 2, Frame{Event: "ping"}) {
			t.Error("expected no local delivery for a remote user")
		}

		mu.Lock()
		hits := len(remoteHits)
		mu.Unlock()
		if hits != 1 {
			t.Errorf("expected one remote online hit, got %d", hits)
		}
	})
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()

	_, store := newTestStore(t)
	registry := NewRegistry(store, testLogger(), nil)
	dispatcher := NewDispatcher(registry, store, testLogger(), nil)

	chA := newFakeChannel("sess-a")
	chB := newFakeChannel("sess-b")

	registry.Register(ctx, 1, "sess-a", chA)
	registry.Register(ctx, 2, "sess-b", chB)

	t.Run("excluded user does not receive the frame", func(t *testing.T) {
		delivered := dispatcher.Broadcast(ctx, []int64{1, 2, 3}, 1, Frame{Event: "room"})

		if delivered != 1 {
			t.Errorf("expected 1 delivery, got %d", delivered)
		}
		if len(chA.framesFor("room")) != 0 {
			t.Error("expected the excluded sender to receive nothing")
		}
		if len(chB.framesFor("room")) != 1 {
			t.Error("expected the connected recipient to receive the frame")
		}
	})

	t.Run("negative exclude delivers to everyone connected", func(t *testing.T) {
		delivered := dispatcher.Broadcast(ctx, []int64{1, 2}, -1, Frame{Event: "all"})

		if delivered != 2 {
			t.Errorf("expected 2 deliveries, got %d", delivered)
		}
	})
}

type recordingMetrics struct {
	noopMetrics
	onRemoteHit func(userID int64)
}

func (r *recordingMetrics) RemoteOnlineHit(userID int64) {
	if r.onRemoteHit != nil {
		r.onRemoteHit(userID)
	}
}
