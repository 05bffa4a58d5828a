// Package server wires the collaboration core behind its two surfaces: the
// WebSocket event channel and the HTTP admin API.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/synclab/collabd/pkg/auth"
	"github.com/synclab/collabd/pkg/engine"
	"github.com/synclab/collabd/pkg/hub"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/storage"
)

// Config holds the server's tunables.
type Config struct {
	MaxDocumentSize   int
	SyncWindow        int64
	OutboundQueueSize int

	JoinTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SubmitTimeout time.Duration

	RoomIdleTeardown time.Duration
	AwayAfter        time.Duration

	RateLimits RateLimits
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDocumentSize:   256 * 1024,
		SyncWindow:        100,
		OutboundQueueSize: 64,
		JoinTimeout:       10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubmitTimeout:     15 * time.Second,
		RoomIdleTeardown:  10 * time.Minute,
		AwayAfter:         5 * time.Minute,
		RateLimits:        DefaultRateLimits(),
	}
}

// Server is the collaboration server.
type Server struct {
	cfg      Config
	store    storage.Store
	hub      *hub.Hub
	engines  *engine.Registry
	admitter *auth.Admitter
	router   *mux.Router

	startTime time.Time
	connSeq   atomic.Uint64
}

// NewServer wires the core components and registers routes.
func NewServer(store storage.Store, cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		admitter:  auth.NewAdmitter(store),
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	s.hub = hub.New(store, cfg.RoomIdleTeardown, cfg.AwayAfter)
	s.engines = engine.NewRegistry(store, s.hub, cfg.SyncWindow, cfg.MaxDocumentSize)
	s.hub.SetEngines(s.engines)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.registerAdminRoutes()

	return s
}

// Hub exposes the room hub, mainly for tests.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// nextConnID hands out connection ids.
func (s *Server) nextConnID() uint64 {
	return s.connSeq.Add(1)
}

// handleWebSocket upgrades the request and runs the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	handler := NewConnection(s, conn)
	if err := handler.Handle(r.Context()); err != nil {
		logger.Debug("connection %d ended: %v", handler.ID(), err)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// Run drives background work (idle room teardown, away sweeps) until ctx
// is done.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}
