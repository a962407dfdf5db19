// Package distributed provides the Redis-backed fabric that makes presence
// and status changes visible across realtime server instances. A single
// pattern subscription multiplexes every handler registered through the
// PubSub interface.
package distributed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements the realtime PubSub interface on Redis
// publish/subscribe. Handlers receive messages published by any instance,
// including this one.
type RedisPubSub struct {
	client redis.UniversalClient
	pubsub *redis.PubSub
	log    *slog.Logger

	mu            sync.RWMutex
	subscriptions map[string][]func(topic string, data []byte)
	patterns      map[string]struct{}
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisPubSub connects the fabric. The client must already be configured;
// the constructor pings it so a dead broker fails startup instead of the
// first publish. log may be nil.
func NewRedisPubSub(ctx context.Context, client redis.UniversalClient, log *slog.Logger) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	fabricCtx, cancel := context.WithCancel(ctx)

	r := &RedisPubSub{
		client:        client,
		log:           log,
		subscriptions: make(map[string][]func(topic string, data []byte)),
		patterns:      make(map[string]struct{}),
		ctx:           fabricCtx,
		cancel:        cancel,
	}
	r.pubsub = client.Subscribe(fabricCtx)

	r.wg.Add(1)
	go r.handleMessages()

	return r, nil
}

// Subscribe registers a handler for topics matching pattern. A trailing ".*"
// matches any suffix; anything else is an exact topic.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("pubsub: closed")
	}

	redisPattern := toRedisPattern(pattern)
	if _, exists := r.patterns[redisPattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("subscribing to %s: %w", pattern, err)
		}
		r.patterns[redisPattern] = struct{}{}
	}

	r.subscriptions[pattern] = append(r.subscriptions[pattern], handler)
	return nil
}

// Unsubscribe drops every handler registered for pattern, releasing the
// underlying Redis subscription when no other pattern still needs it.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("pubsub: closed")
	}

	delete(r.subscriptions, pattern)

	redisPattern := toRedisPattern(pattern)
	for p := range r.subscriptions {
		if toRedisPattern(p) == redisPattern {
			return nil
		}
	}

	if err := r.pubsub.PUnsubscribe(r.ctx, redisPattern); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", pattern, err)
	}
	delete(r.patterns, redisPattern)
	return nil
}

// Publish sends data to every instance subscribed to topic.
func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return fmt.Errorf("pubsub: closed")
	}

	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Close stops the message loop and releases the Redis subscription. Closing
// twice is a no-op.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return fmt.Errorf("closing pubsub: %w", err)
	}

	r.wg.Wait()
	return nil
}

func (r *RedisPubSub) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != "" {
				r.deliver(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

// deliver fans a message out to all matching handlers. Each handler runs on
// its own goroutine so a slow handler cannot stall the message loop.
func (r *RedisPubSub) deliver(topic string, data []byte) {
	r.mu.RLock()

	defer r.mu.RUnlock()

	for pattern, handlers := range r.subscriptions {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, handler := range handlers {
			h := handler

			go func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("pubsub handler panic recovered", "topic", topic, "panic", rec)
					}
				}()
				h(topic, data)
			}()
		}
	}
}

// toRedisPattern maps the ".*" suffix wildcard onto Redis glob syntax.
func toRedisPattern(pattern string) string {
	if strings.HasSuffix(pattern, ".*") {
		return strings.TrimSuffix(pattern, ".*") + "*"
	}
	return pattern
}

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, ".*"))
	}
	return false
}
