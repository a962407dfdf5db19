// This file contains Conn, the websocket-backed Channel given to the
// Connection Registry. It owns the read and write pumps, ping/pong keepalive,
// bounded sends, and close-handler execution for one client connection.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// rawHandler consumes one inbound frame from the connection's read loop.
type rawHandler func(ctx context.Context, data []byte)

// Conn binds one client socket to one user identity for the lifetime of the
// connection. The bound user id is fixed at handshake time and is what every
// inbound event's claimed sender is validated against.
type Conn struct {
	sessionID string
	userID    int64

	conn      *websocket.Conn
	send      chan []byte
	receive   chan []byte
	closeChan chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once

	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers []func(*Conn)
	handler       rawHandler

	options *Options
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func newConn(parent context.Context, wsConn *websocket.Conn, userID int64, sessionID string, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(parent)

	c := &Conn{
		sessionID: sessionID,
		userID:    userID,
		conn:      wsConn,
		send:      make(chan []byte, options.SendChannelBuffer),
		receive:   make(chan []byte, options.ReceiveChannelBuffer),
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
		options:   options,
		log:       options.logger().With("sessionId", sessionID, "userId", userID),
		ctx:       ctx,
		cancel:    cancel,
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, wrapF(err, "set initial read deadline for session %s", sessionID)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	wsConn.SetCloseHandler(func(code int, text string) error {
		c.Close()

		return nil
	})

	go c.readPump()

	go c.writePump()

	return c, nil
}

func (c *Conn) SessionID() string { return c.sessionID }

// UserID returns the identity bound to this connection at handshake time.
func (c *Conn) UserID() int64 { return c.userID }

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
				return
			}
			messageType, message, err := c.conn.ReadMessage()

			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.log.Debug("read pump stopped", "error", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				_ = c.SendJSON(errorFrame(evMessageError, badRequest("connection", "unsupported message type; expected text frame")))

				continue
			}
			select {
			case c.receive <- message:
			case <-c.ctx.Done():
				return
			case <-time.After(c.options.WriteWait):
				c.log.Warn("timed out queueing inbound frame, closing connection")

				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if !c.IsActive() {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		}
	}
}

// handleFrames drains the receive channel, handing each raw frame to the
// registered handler. Frames for one connection are processed in order so a
// sender's successive events keep their relative ordering.
func (c *Conn) handleFrames() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("frame handler panic recovered", "panic", r)

				c.Close()
			}
		}()

		for {
			select {
			case message, ok := <-c.receive:
				if !ok {
					return
				}

				c.mutex.RLock()
				handler := c.handler
				c.mutex.RUnlock()

				if handler == nil {
					continue
				}
				handler(c.ctx, message)

			case <-c.ctx.Done():
				return
			case <-c.closeChan:
				return
			}
		}
	}()
}

// SendJSON marshals v and queues it for delivery. The queue wait is bounded
// by the send timeout; a connection that cannot drain within it is closed so
// one unresponsive client cannot stall broadcast to others.
func (c *Conn) SendJSON(v interface{}) (err error) {
	if !c.IsActive() {
		return unavailable("connection", "session "+c.sessionID+" is closing")
	}
	data, err := marshalFrame(v)

	if err != nil {
		return wrapF(err, "marshal frame for session %s", c.sessionID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = unavailable("connection", "session "+c.sessionID+" is closing")
		}
	}()

	select {
	case <-c.closeChan:
		return unavailable("connection", "session "+c.sessionID+" is closing")
	case <-c.ctx.Done():
		return unavailable("connection", "session "+c.sessionID+" is closing")
	case c.send <- data:
		return nil
	case <-time.After(c.sendTimeout()):
		go c.Close()

		return timeoutErr("connection", "send timeout, closing session "+c.sessionID)
	}
}

// onFrame registers the handler invoked for every inbound frame.
func (c *Conn) onFrame(handler rawHandler) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.handler = handler
}

// OnClose registers a callback executed when the connection closes. Callbacks
// run in registration order during cleanup.
func (c *Conn) OnClose(callback func(*Conn)) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.closeHandlers = append(c.closeHandlers, callback)
}

// IsActive reports whether the connection can still send and receive.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close shuts the connection down, running close handlers exactly once.
// Safe to call multiple times and from any goroutine.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		handlersToRun := make([]func(*Conn), len(c.closeHandlers))

		copy(handlersToRun, c.closeHandlers)

		c.mutex.Unlock()

		c.cancel()

		close(c.closeChan)

		if !fromReader {
			_ = c.conn.Close()

			<-c.readDone
		}

		for _, handler := range handlersToRun {
			handler(c)
		}

		if fromReader {
			_ = c.conn.Close()
		}
	})
}

func (c *Conn) sendTimeout() time.Duration {
	if c.options != nil && c.options.SendTimeout > 0 {
		return c.options.SendTimeout
	}
	return 5 * time.Second
}
