package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLocalPubSubPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("exact topic delivery", func(t *testing.T) {
		pubsub := NewLocalPubSub(ctx, 10)

		defer pubsub.Close()

		received := make(chan []byte, 1)
		if err := pubsub.Subscribe("realtime:presence:status", func(topic string, data []byte) {
			received <- data
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		if err := pubsub.Publish("realtime:presence:status", []byte("payload")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case data := <-received:
			if string(data) != "payload" {
				t.Errorf("expected 'payload', got %q", data)
			}
		case <-time.After(time.Second):
			t.Fatal("expected the subscriber to receive the message")
		}
	})

	t.Run("wildcard pattern matches prefixed topics", func(t *testing.T) {
		pubsub := NewLocalPubSub(ctx, 10)

		defer pubsub.Close()

		var mu sync.Mutex
		var topics []string

		if err := pubsub.Subscribe("realtime:presence.*", func(topic string, data []byte) {
			mu.Lock()
			topics = append(topics, topic)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		pubsub.Publish("realtime:presence:status", []byte("a"))
		pubsub.Publish("realtime:other", []byte("b"))

		waitFor(t, time.Second, func() bool {
			mu.Lock()

			defer mu.Unlock()

			return len(topics) == 1
		})

		mu.Lock()
		got := topics[0]
		mu.Unlock()
		if got != "realtime:presence:status" {
			t.Errorf("expected the matching topic only, got %s", got)
		}
	})

	t.Run("unsubscribed pattern receives nothing", func(t *testing.T) {
		pubsub := NewLocalPubSub(ctx, 10)

		defer pubsub.Close()

		received := make(chan struct{}, 1)
		if err := pubsub.Subscribe("topic", func(string, []byte) {
			received <- struct{}{}
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := pubsub.Unsubscribe("topic"); err != nil {
			t.Fatalf("Unsubscribe failed: %v", err)
		}

		pubsub.Publish("topic", []byte("x"))

		select {
		case <-received:
			t.Error("expected no delivery after unsubscribe")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("unsubscribe of unknown pattern errors", func(t *testing.T) {
		pubsub := NewLocalPubSub(ctx, 10)

		defer pubsub.Close()

		if err := pubsub.Unsubscribe("never-subscribed"); err == nil {
			t.Error("expected an error for an unknown pattern")
		}
	})
}

func TestLocalPubSubClose(t *testing.T) {
	t.Run("close stops subscription goroutines", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		pubsub := NewLocalPubSub(context.Background(), 10)

		if err := pubsub.Subscribe("topic", func(string, []byte) {}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if err := pubsub.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		time.Sleep(20 * time.Millisecond)
	})

	t.Run("operations after close are rejected", func(t *testing.T) {
		pubsub := NewLocalPubSub(context.Background(), 10)
		pubsub.Close()

		if err := pubsub.Publish("topic", nil); err == nil {
			t.Error("expected publish after close to fail")
		}
		if err := pubsub.Subscribe("topic", func(string, []byte) {}); err == nil {
			t.Error("expected subscribe after close to fail")
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		pubsub := NewLocalPubSub(context.Background(), 10)

		if err := pubsub.Close(); err != nil {
			t.Fatalf("first close failed: %v", err)
		}
		if err := pubsub.Close(); err != nil {
			t.Fatalf("second close failed: %v", err)
		}
	})
}
