// This file contains the Server struct which wires the realtime subsystem
// together and manages the HTTP server lifecycle, the websocket endpoint, the
// periodic registry sweep, and graceful shutdown handling.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ServerDeps carries the external collaborators the subsystem consumes.
// Store and Membership are required; Directory and Notes are optional.
type ServerDeps struct {
	Store      StateStore
	Membership MembershipService
	Directory  AccountDirectory
	Notes      NotificationWriter
}

// Server hosts the websocket endpoint and owns the lifecycle of every
// component behind it.
type Server struct {
	server     *http.Server
	registry   *Registry
	presence   *PresenceTracker
	typing     *TypingTracker
	rooms      *RoomCache
	dispatcher *Dispatcher
	router     *Router
	endpoint   *Endpoint
	options    *Options
	log        *slog.Logger
	mutex      sync.RWMutex
	isRunning  bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer assembles the subsystem. The websocket endpoint is mounted at
// /ws; missing options fall back to DefaultOptions and the address to :8080.
func NewServer(options *ServerOptions, deps ServerDeps) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	opts := options.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.PubSub == nil {
		opts.PubSub = NewLocalPubSub(ctx, 100)
	}
	log := opts.logger()

	registry := NewRegistry(deps.Store, log, opts.Hooks)
	presence := NewPresenceTracker(deps.Store, opts.PubSub, log)
	typing := NewTypingTracker(deps.Store, log)
	rooms := NewRoomCache(deps.Store, deps.Membership, log)
	dispatcher := NewDispatcher(registry, deps.Store, log, opts.Hooks)
	router := NewRouter(RouterDeps{
		Registry:   registry,
		Dispatcher: dispatcher,
		Presence:   presence,
		Typing:     typing,
		Rooms:      rooms,
		Membership: deps.Membership,
		Directory:  deps.Directory,
		Notes:      deps.Notes,
		Logger:     log,
		Hooks:      opts.Hooks,
	})
	endpoint := NewEndpoint(registry, router, presence, typing, opts)

	mux := http.NewServeMux()
	mux.Handle("/ws", endpoint)

	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		ctx:        ctx,
		cancel:     cancel,
		registry:   registry,
		presence:   presence,
		typing:     typing,
		rooms:      rooms,
		dispatcher: dispatcher,
		router:     router,
		endpoint:   endpoint,
		options:    opts,
		log:        log,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}
}

// Registry exposes the connection registry for embedding applications.
func (s *Server) Registry() *Registry { return s.registry }

// Presence exposes the presence tracker for embedding applications.
func (s *Server) Presence() *PresenceTracker { return s.presence }

// Rooms exposes the participant cache so membership changes made outside the
// socket layer can invalidate it.
func (s *Server) Rooms() *RoomCache { return s.rooms }

// Dispatcher exposes delivery so server-side code can push events to
// connected users directly.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Start begins listening in a background goroutine and launches the periodic
// registry sweep. It returns an error if the server is already running;
// failure to bind surfaces through the http server's own logging, and the
// process should treat it as a startup abort.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return internal("server", "server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	go s.registry.RunSweeper(s.ctx, s.options.SweepInterval)

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("listener stopped", "error", err)
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	s.log.Info("realtime server started", "addr", s.server.Addr)
	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully with a 30 second drain window.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	return s.Stop(30 * time.Second)
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop cancels the sweeper, stops accepting connections, and waits up to
// timeout for in-flight ones to drain. Stopping a stopped server is a no-op.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return nil
	}
	s.mutex.Unlock()

	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)

	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return wrap(err, "http server shutdown failed")
	}

	s.log.Info("realtime server stopped")
	return nil
}
