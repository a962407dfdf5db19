// This file defines the extensibility hooks of the realtime subsystem:
// metrics collection and connection lifecycle callbacks. Implementations can
// forward the metrics to whatever monitoring system the host process uses.
package realtime

import (
	"time"
)

// MetricsCollector receives operational signals from the subsystem.
type MetricsCollector interface {
	// ConnectionOpened is called when a handshake succeeds and the
	// connection is registered.
	ConnectionOpened(sessionID string, userID int64)

	// ConnectionClosed is called when a connection is unregistered, with
	// its lifetime.
	ConnectionClosed(sessionID string, duration time.Duration)

	// ConnectionReplaced is called when a newer connection for the same
	// user forces the previous one closed.
	ConnectionReplaced(userID int64)

	// EventReceived tracks validated inbound events.
	EventReceived(event string, userID int64)

	// EventRejected tracks events refused at validation or authorization,
	// with the rejection code.
	EventRejected(event string, userID int64, code int)

	// DeliveryAttempted tracks per-recipient delivery outcomes during
	// fan-out.
	DeliveryAttempted(event string, delivered bool)

	// RemoteOnlineHit is called when a recipient is absent locally but the
	// distributed store marks them online on another instance.
	RemoteOnlineHit(userID int64)

	// Error tracks errors by component.
	Error(component string, err error)
}

// Hooks bundles the optional extension points. Nil hooks and nil fields are
// both valid and mean "no-op".
type Hooks struct {
	Metrics      MetricsCollector
	OnConnect    func(userID int64, sessionID string)
	OnDisconnect func(userID int64, sessionID string)
}

func (h *Hooks) metrics() MetricsCollector {
	if h == nil || h.Metrics == nil {
		return noop
	}
	return h.Metrics
}

func (h *Hooks) connected(userID int64, sessionID string) {
	if h != nil && h.OnConnect != nil {
		h.OnConnect(userID, sessionID)
	}
}

func (h *Hooks) disconnected(userID int64, sessionID string) {
	if h != nil && h.OnDisconnect != nil {
		h.OnDisconnect(userID, sessionID)
	}
}

type noopMetrics struct{}

var noop MetricsCollector = noopMetrics{}

func (noopMetrics) ConnectionOpened(string, int64) {}
func (noopMetrics) ConnectionClosed(string, time.Duration) {}
func (noopMetrics) ConnectionReplaced(int64) {}
func (noopMetrics) EventReceived(string, int64) {}
func (noopMetrics) EventRejected(string, int64, int) {}
func (noopMetrics) DeliveryAttempted(string, bool) {}
func (noopMetrics) RemoteOnlineHit(int64) {}
func (noopMetrics) Error(string, error) {}
