// Package sessiontest provides an in-memory session.Conn for tests.
package sessiontest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrClosed is returned by Send on a closed Conn.
var ErrClosed = errors.New("connection closed")

// Conn records every frame sent to it.
type Conn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	closed  atomic.Bool
	closes  atomic.Int32
	SendErr error // returned by Send when set
}

// NewConn returns an open Conn with a random id.
func NewConn() *Conn {
	return &Conn{id: uuid.New().String()}
}

// ID implements session.Conn.
func (c *Conn) ID() string { return c.id }

// Send implements session.Conn.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

// Close implements session.Conn.
func (c *Conn) Close() error {
	c.closes.Add(1)
	c.closed.Store(true)
	return nil
}

// IsOpen implements session.Conn.
func (c *Conn) IsOpen() bool { return !c.closed.Load() }

// Drop marks the connection dead without counting a Close call, like a peer
// that vanished.
func (c *Conn) Drop() { c.closed.Store(true) }

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int { return int(c.closes.Load()) }

// Frames returns a copy of the frames sent so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Last returns the most recent frame, or nil.
func (c *Conn) Last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}
