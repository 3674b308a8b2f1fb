// Package server exposes the fleet coordinator over HTTP and WebSocket.
package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/broadcast"
	"github.com/DevSkoll/drone-fleet-manager/internal/config"
	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/fleet"
	"github.com/DevSkoll/drone-fleet-manager/internal/session"
	"github.com/DevSkoll/drone-fleet-manager/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// eventCleanupInterval is how often old event_log rows are pruned.
const eventCleanupInterval = time.Hour

// Server is the fleet server.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	coord    *fleet.Coordinator
	monitor  *fleet.Monitor
	hub      *broadcast.Hub
	events   *store.Store // nil with the memory driver
	router   *chi.Mux
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*Client]struct{}

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New wires the coordinator, broadcast hub and liveness monitor and starts
// their background loops. events may be nil, which disables the event log.
func New(cfg *config.Config, drones drone.Store, events *store.Store, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	hub := broadcast.NewHub(log, broadcast.DefaultQueueSize)
	sessions := session.NewRegistry(log)
	coord := fleet.New(log, cfg.FleetSettings(), sessions, drones, hub)
	if events != nil {
		coord.SetJournal(events)
	}
	hub.SetSnapshotSource(coord.Drones)

	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		coord:   coord,
		monitor: fleet.NewMonitor(log, coord),
		hub:     hub,
		events:  events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*Client]struct{}),
		cancel:  cancel,
	}

	// Mark all drones offline on startup - they go ACTIVE when workers reconnect
	if _, err := coord.Reconcile(); err != nil {
		s.log.Warn().Err(err).Msg("failed to reset drone status on startup")
	}

	s.setupRouter()

	go s.hub.Run(ctx)
	go s.monitor.Run(ctx)
	if events != nil && cfg.Store.Retention > 0 {
		go s.cleanupLoop(ctx)
	}

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Get("/ws/fleet", s.handleWorkerSocket)
	r.Get("/ws/dashboard", s.handleDashboardSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/drones", s.handleListDrones)
		r.Post("/drones", s.handleCreateDrone)
		r.Get("/drones/{droneID}", s.handleGetDrone)
		r.Put("/drones/{droneID}", s.handleUpdateDrone)
		r.Delete("/drones/{droneID}", s.handleDeleteDrone)
		r.Post("/drones/{droneID}/commands", s.handleSendCommand)
		r.Get("/drones/{droneID}/events", s.handleDroneEvents)

		r.Get("/commands/{correlationID}", s.handleGetCommand)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/events", s.handleRecentEvents)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupLoop prunes the event log on a fixed interval.
func (s *Server) cleanupLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("event cleanup crashed, restarting...")
			if ctx.Err() == nil {
				go s.cleanupLoop(ctx)
			}
		}
	}()

	ticker := time.NewTicker(eventCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.events.CleanupOldEvents(s.cfg.Store.Retention)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to clean up event log")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("count", n).Msg("pruned old events")
			}
		}
	}
}

// Coordinator returns the fleet coordinator.
func (s *Server) Coordinator() *fleet.Coordinator {
	return s.coord
}

// Run starts the server.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", s.cfg.Server.Listen).Msg("starting fleet server")
	return s.httpServer.ListenAndServe()
}

func (s *Server) trackClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) untrackClient(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// closeClients sends a close frame to every open WebSocket. Hijacked
// connections are not touched by http.Server.Shutdown.
func (s *Server) closeClients() int {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	return len(clients)
}

// Shutdown stops the background loops, closes every WebSocket and stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server...")

	s.cancel()
	if n := s.closeClients(); n > 0 {
		s.log.Info().Int("count", n).Msg("closed websocket connections")
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
