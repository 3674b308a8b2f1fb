package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry holds the live sessions. All three indices are updated under one
// lock, so a session is visible under every index or under none.
type Registry struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.RWMutex
	byID    map[string]*Session
	byDrone map[string]*Session
	byConn  map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "sessions").Logger(),
		now:     time.Now,
		byID:    make(map[string]*Session),
		byDrone: make(map[string]*Session),
		byConn:  make(map[string]*Session),
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) newSession(workerID, droneID string, conn Conn, capabilities []string) *Session {
	now := r.now()
	s := &Session{
		ID:          uuid.New().String(),
		WorkerID:    workerID,
		DroneID:     droneID,
		Conn:        conn,
		ConnectedAt: now,
	}
	if len(capabilities) > 0 {
		s.Capabilities = append([]string(nil), capabilities...)
	}
	s.Touch(now)
	return s
}

// Create registers a new session. It does not check for an existing session
// on the drone; callers that need the one-session-per-drone guarantee use
// TryCreate. Any session already indexed under the same drone or connection
// is displaced from all indices.
func (r *Registry) Create(workerID, droneID string, conn Conn, capabilities []string) *Session {
	s := r.newSession(workerID, droneID, conn, capabilities)

	r.mu.Lock()
	if old, ok := r.byDrone[droneID]; ok {
		r.unindex(old)
		r.log.Warn().Str("session_id", old.ID).Str("drone_id", droneID).Msg("session displaced by create")
	}
	if old, ok := r.byConn[conn.ID()]; ok {
		r.unindex(old)
		r.log.Warn().Str("session_id", old.ID).Str("conn_id", conn.ID()).Msg("session displaced by create")
	}
	r.index(s)
	r.mu.Unlock()

	r.log.Info().
		Str("session_id", s.ID).
		Str("worker_id", workerID).
		Str("drone_id", droneID).
		Msg("session created")
	return s
}

// TryCreate registers a new session only if the drone has none and the
// connection is not already bound. The check and insert are one atomic step.
// On conflict it returns the existing session for the drone (nil when the
// conflict is on the connection) and false.
func (r *Registry) TryCreate(workerID, droneID string, conn Conn, capabilities []string) (*Session, bool) {
	s := r.newSession(workerID, droneID, conn, capabilities)

	r.mu.Lock()
	if existing, ok := r.byDrone[droneID]; ok {
		r.mu.Unlock()
		return existing, false
	}
	if _, ok := r.byConn[conn.ID()]; ok {
		r.mu.Unlock()
		return nil, false
	}
	r.index(s)
	r.mu.Unlock()

	r.log.Info().
		Str("session_id", s.ID).
		Str("worker_id", workerID).
		Str("drone_id", droneID).
		Msg("session created")
	return s, true
}

// index and unindex must be called with mu held for writing.
func (r *Registry) index(s *Session) {
	r.byID[s.ID] = s
	r.byDrone[s.DroneID] = s
	r.byConn[s.Conn.ID()] = s
}

func (r *Registry) unindex(s *Session) {
	delete(r.byID, s.ID)
	if r.byDrone[s.DroneID] == s {
		delete(r.byDrone, s.DroneID)
	}
	if r.byConn[s.Conn.ID()] == s {
		delete(r.byConn, s.Conn.ID())
	}
}

// LookupBySessionID returns the session with the given id.
func (r *Registry) LookupBySessionID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// LookupByDroneID returns the live session for a drone.
func (r *Registry) LookupByDroneID(droneID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDrone[droneID]
	return s, ok
}

// LookupByConn returns the session bound to a connection.
func (r *Registry) LookupByConn(conn Conn) (*Session, bool) {
	return r.LookupByConnID(conn.ID())
}

// LookupByConnID returns the session bound to a connection id.
func (r *Registry) LookupByConnID(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Remove deletes a session by id. It returns the removed session, or false
// if no such session was registered. Only one caller ever gets true for a
// given session.
func (r *Registry) Remove(sessionID string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok {
		r.unindex(s)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info().Str("session_id", s.ID).Str("drone_id", s.DroneID).Msg("session removed")
	}
	return s, ok
}

// RemoveByConn deletes the session bound to a connection.
func (r *Registry) RemoveByConn(conn Conn) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.byConn[conn.ID()]
	if ok {
		r.unindex(s)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info().Str("session_id", s.ID).Str("drone_id", s.DroneID).Msg("session removed (connection closed)")
	}
	return s, ok
}

// RemoveSession deletes s only if it is still the registered session for
// its id. Used to claim a session found by a snapshot.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	cur, ok := r.byID[s.ID]
	ok = ok && cur == s
	if ok {
		r.unindex(s)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info().Str("session_id", s.ID).Str("drone_id", s.DroneID).Msg("session removed")
	}
	return ok
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Expired returns the sessions whose last activity is more than threshold
// before the current time.
func (r *Registry) Expired(threshold time.Duration) []*Session {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byID {
		if s.LastActivity().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// HasSession reports whether a drone has a live session.
func (r *Registry) HasSession(droneID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byDrone[droneID]
	return ok
}
