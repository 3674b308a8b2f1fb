package server

import (
	"net/http"

	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// WorkerKeyHeader carries the shared worker key.
const WorkerKeyHeader = "X-Worker-Key"

// HashKey returns the bcrypt hash to configure as security.worker_key_hash.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Server) authorizeWorker(r *http.Request) bool {
	if !s.cfg.Security.AuthEnabled {
		return true
	}
	key := r.Header.Get(WorkerKeyHeader)
	if key == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(s.cfg.Security.WorkerKeyHash), []byte(key))
	return err == nil
}

// handleWorkerSocket accepts a worker connection. Frames go straight to the
// coordinator in arrival order.
func (s *Server) handleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeWorker(r) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("worker connection rejected: bad key")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(conn, "worker", s.log)
	client.log.Info().Str("remote", r.RemoteAddr).Msg("worker connected")
	s.trackClient(client)

	ratePerSec := s.cfg.WebSocket.MaxMessageRate
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), max(1, int(2*ratePerSec)))

	go client.writePump()
	go client.readPump(s.cfg.WebSocket.MaxMessageSize,
		func(data []byte) {
			if !limiter.Allow() {
				client.log.Warn().Msg("worker exceeded message rate, frame dropped")
				_ = client.Send(protocol.EncodeError(protocol.ReasonRateLimited))
				return
			}
			_ = s.coord.HandleMessage(client, data)
		},
		func() {
			s.untrackClient(client)
			s.coord.HandleClose(client)
			client.log.Info().Msg("worker connection closed")
		})
}

// handleDashboardSocket accepts a dashboard subscriber.
func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(conn, "dashboard", s.log)
	s.trackClient(client)
	s.hub.Add(client)

	go client.writePump()
	go client.readPump(s.cfg.WebSocket.MaxMessageSize,
		func(data []byte) { s.hub.HandleMessage(client, data) },
		func() {
			s.untrackClient(client)
			s.hub.Remove(client)
		})
}
