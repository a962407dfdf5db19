// This file contains the LocalPubSub implementation, an in-memory fabric for
// single-node deployments. It implements the PubSub interface using Go
// channels; a multi-node fleet uses the distributed Redis adapter instead.
package realtime

import (
	"context"
	"strings"
	"sync"
)

// PubSubMessage is one message moving through a fabric.
type PubSubMessage struct {
	Topic string
	Data  []byte
}

// LocalPubSub is the in-process PubSub used when no distributed fabric is
// configured.
type LocalPubSub struct {
	mu         sync.RWMutex
	subs       map[string][]subscription
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	bufferSize int
}

type subscription struct {
	pattern string
	handler func(topic string, data []byte)

	ch     chan PubSubMessage
	cancel context.CancelFunc
}

// NewLocalPubSub creates an in-memory fabric. bufferSize sets the channel
// buffer per subscription; <= 0 defaults to 100.
func NewLocalPubSub(ctx context.Context, bufferSize int) *LocalPubSub {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	pubsubCtx, cancel := context.WithCancel(ctx)

	return &LocalPubSub{
		subs:       make(map[string][]subscription),
		ctx:        pubsubCtx,
		cancel:     cancel,
		bufferSize: bufferSize,
	}
}

// Subscribe registers a handler for topics matching pattern. Each
// subscription drains on its own goroutine so one slow handler cannot block
// publication.
func (l *LocalPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return unavailable("pubsub", "pubsub is closed")
	}
	subCtx, cancel := context.WithCancel(l.ctx)

	ch := make(chan PubSubMessage, l.bufferSize)

	sub := subscription{
		pattern: pattern,
		handler: handler,
		ch:      ch,
		cancel:  cancel,
	}
	l.subs[pattern] = append(l.subs[pattern], sub)

	go l.runSubscription(subCtx, sub)

	return nil
}

func (l *LocalPubSub) runSubscription(ctx context.Context, sub subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.ch:
			go sub.handler(msg.Topic, msg.Data)
		}
	}
}

// Unsubscribe removes every handler registered for pattern.
func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return unavailable("pubsub", "pubsub is closed")
	}
	subs, exists := l.subs[pattern]
	if !exists {
		return notFound("pubsub", "pattern not found")
	}
	for _, sub := range subs {
		sub.cancel()

		close(sub.ch)
	}
	delete(l.subs, pattern)

	return nil
}

// Publish delivers data to every subscriber whose pattern matches topic. A
// subscriber with a full buffer misses the message rather than blocking the
// publisher.
func (l *LocalPubSub) Publish(topic string, data []byte) error {
	l.mu.RLock()

	defer l.mu.RUnlock()

	if l.closed {
		return unavailable("pubsub", "pubsub is closed")
	}
	msg := PubSubMessage{
		Topic: topic,
		Data:  data,
	}
	for pattern, subs := range l.subs {
		if topicMatches(pattern, topic) {
			for _, sub := range subs {
				select {
				case sub.ch <- msg:
				default:
				}
			}
		}
	}
	return nil
}

// Close shuts the fabric down. Idempotent.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()

	for _, subs := range l.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	l.subs = make(map[string][]subscription)

	return nil
}

// topicMatches treats a trailing ".*" as a prefix wildcard; anything else is
// an exact topic.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, ".*"))
	}
	return false
}
