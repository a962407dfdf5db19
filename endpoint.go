// This file contains the websocket endpoint: handshake validation, connection
// upgrade, and wiring of each accepted connection into the Registry and
// Router. The handshake requires a numeric userId query parameter; anything
// else is rejected before the upgrade.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Endpoint accepts websocket connections and binds each one to a user
// identity for its lifetime.
type Endpoint struct {
	registry *Registry
	router   *Router
	presence *PresenceTracker
	typing   *TypingTracker
	upgrader websocket.Upgrader
	options  *Options
	log      *slog.Logger
	now      func() time.Time
}

// NewEndpoint creates an endpoint over the given collaborators. A nil options
// gets DefaultOptions.
func NewEndpoint(registry *Registry, router *Router, presence *PresenceTracker, typing *TypingTracker, options *Options) *Endpoint {
	if options == nil {
		options = DefaultOptions()
	}
	return &Endpoint{
		registry: registry,
		router:   router,
		presence: presence,
		typing:   typing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     originChecker(options),
		},
		options: options,
		log:     options.logger(),
		now:     time.Now,
	}
}

func originChecker(opts *Options) func(*http.Request) bool {
	var compiled []*regexp.Regexp
	for _, pattern := range opts.AllowedOrigins {
		if re, err := regexp.Compile(pattern); err == nil {
			compiled = append(compiled, re)
		}
	}
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		for _, re := range compiled {
			if re.MatchString(origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP performs the handshake and hands the connection off to the
// pumps. A missing or non-numeric userId is a reject-and-close before the
// upgrade happens.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("userId")
	if raw == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)

		return
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "userId must be a positive integer", http.StatusBadRequest)

		return
	}

	wsConn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("websocket upgrade failed", "userId", userID, "error", err)

		return
	}

	sessionID := uuid.NewString()
	conn, err := newConn(r.Context(), wsConn, userID, sessionID, e.options)
	if err != nil {
		e.log.Error("connection setup failed", "userId", userID, "error", err)
		wsConn.Close()

		return
	}

	e.accept(conn)
}

// accept registers the connection and wires its frame and close handling.
func (e *Endpoint) accept(conn *Conn) {
	ctx := conn.ctx
	userID := conn.UserID()
	sessionID := conn.SessionID()

	e.registry.Register(ctx, userID, sessionID, conn)
	e.presence.SetStatus(ctx, userID, StatusOnline)

	conn.onFrame(func(frameCtx context.Context, data []byte) {
		e.router.HandleRaw(frameCtx, userID, sessionID, data)
	})
	conn.OnClose(func(c *Conn) {
		e.disconnect(c)
	})
	conn.handleFrames()

	if err := conn.SendJSON(Frame{
		Event: evConnectionEstablished,
		Payload: map[string]interface{}{
			"sessionId": sessionID,
			"userId":    userID,
			"timestamp": e.now(),
		},
	}); err != nil {
		e.log.Warn("failed to send connection acknowledgment",
			"userId", userID, "sessionId", sessionID, "error", err)
	}
}

// disconnect tears down the distributed footprint of a closed connection.
// The connection's context is gone by the time this runs, so cleanup uses a
// fresh bounded context. Presence goes OFFLINE only when this session still
// owned the registration: a superseded session closing late must not mark a
// freshly reconnected user offline.
func (e *Endpoint) disconnect(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), e.options.StoreTimeout)
	defer cancel()

	userID := conn.UserID()
	sessionID := conn.SessionID()

	if conv, found := e.typing.StopTyping(ctx, sessionID); found {
		e.router.notifyTyping(ctx, userID, conv, evUserTypingStop)
	}
	if e.registry.UnregisterBySession(ctx, sessionID) {
		e.presence.SetStatus(ctx, userID, StatusOffline)
	}
	e.log.Info("connection closed", "userId", userID, "sessionId", sessionID)
}
