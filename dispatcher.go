package realtime

import (
	"context"
	"log/slog"
)

// Dispatcher delivers outbound frames to locally connected users. Delivery to
// users connected on another instance is not attempted here; the dispatcher
// only consults the distributed store to record that the recipient was online
// remotely, which the fabric layer uses for telemetry.
type Dispatcher struct {
	registry *Registry
	store    StateStore
	log      *slog.Logger
	hooks    *Hooks
}

// NewDispatcher creates a dispatcher over registry and store.
func NewDispatcher(registry *Registry, store StateStore, log *slog.Logger, hooks *Hooks) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, store: store, log: log, hooks: hooks}
}

// Deliver sends the frame to userID's local channel and reports whether the
// send succeeded. A closed channel is pruned from the registry on the spot
// and counted as a non-delivery. Deliver never returns an error: failure to
// reach one recipient must not abort a fan-out loop.
func (d *Dispatcher) Deliver(ctx context.Context, userID int64, frame Frame) bool {
	ch, ok := d.registry.Get(userID)
	if !ok {
		d.recordRemote(ctx, userID)
		d.hooks.metrics().DeliveryAttempted(frame.Event, false)

		return false
	}

	if !ch.IsActive() {
		d.registry.dropClosed(ctx, userID)
		d.hooks.metrics().DeliveryAttempted(frame.Event, false)

		return false
	}

	if err := ch.SendJSON(frame); err != nil {
		d.log.Debug("delivery failed, pruning channel", "userId", userID, "event", frame.Event, "error", err)
		d.registry.dropClosed(ctx, userID)
		d.hooks.metrics().DeliveryAttempted(frame.Event, false)

		return false
	}

	d.hooks.metrics().DeliveryAttempted(frame.Event, true)
	return true
}

// Broadcast delivers the frame to every user in recipients except exclude
// (pass a negative id to exclude nobody) and returns the delivered count.
func (d *Dispatcher) Broadcast(ctx context.Context, recipients []int64, exclude int64, frame Frame) int {
	delivered := 0
	for _, id := range recipients {
		if id == exclude {
			continue
		}
		if d.Deliver(ctx, id, frame) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) recordRemote(ctx context.Context, userID int64) {
	if d.store == nil {
		return
	}
	online, err := d.store.IsUserOnline(ctx, userID)
	if err != nil {
		d.log.Debug("remote online check failed", "userId", userID, "error", err)

		return
	}
	if online {
		d.hooks.metrics().RemoteOnlineHit(userID)
	}
}
