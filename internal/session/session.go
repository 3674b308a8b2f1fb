// Package session tracks live worker connections.
//
// A Session binds one worker connection to one drone. The Registry indexes
// sessions by session id, drone id and connection id, and keeps the three
// views consistent under concurrent use.
package session

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Conn is the transport handle owned by a session.
type Conn interface {
	// ID returns an identifier unique among live connections.
	ID() string
	// Send queues a frame for delivery to the peer.
	Send(data []byte) error
	// Close closes the underlying transport. Safe to call more than once.
	Close() error
	// IsOpen reports whether the transport is still usable.
	IsOpen() bool
}

// TransportError wraps a write or close failure on a connection.
type TransportError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on %s: %v", e.Op, e.ConnID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Session is one registered worker connection.
type Session struct {
	ID           string
	WorkerID     string
	DroneID      string
	Conn         Conn
	ConnectedAt  time.Time
	Capabilities []string

	lastActivity atomic.Int64 // unix nanos
}

// LastActivity returns the time of the most recent inbound message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Touch records inbound activity at t.
func (s *Session) Touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

// IdleSince reports how long the session has been silent at now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// Send writes a frame to the session's connection.
func (s *Session) Send(data []byte) error {
	if err := s.Conn.Send(data); err != nil {
		return &TransportError{ConnID: s.Conn.ID(), Op: "send", Err: err}
	}
	return nil
}

// Close closes the session's connection if it is still open.
func (s *Session) Close() error {
	if !s.Conn.IsOpen() {
		return nil
	}
	if err := s.Conn.Close(); err != nil {
		return &TransportError{ConnID: s.Conn.ID(), Op: "close", Err: err}
	}
	return nil
}

// Info is a read-only view of a session for API responses.
type Info struct {
	SessionID    string    `json:"sessionId"`
	WorkerID     string    `json:"workerId"`
	DroneID      string    `json:"droneId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Info returns a snapshot of the session's public fields.
func (s *Session) Info() Info {
	return Info{
		SessionID:    s.ID,
		WorkerID:     s.WorkerID,
		DroneID:      s.DroneID,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.LastActivity(),
		Capabilities: s.Capabilities,
	}
}
