// Package broadcast fans fleet events out to dashboard subscribers.
//
// Delivery is push-only and at-most-once: events are queued, then written
// to whichever subscribers are connected when the queue drains. Nothing is
// replayed to late joiners except the snapshot sent on connect.
package broadcast

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/rs/zerolog"
)

// Dashboard channels.
const (
	ChannelDrones      = "drones"
	ChannelTelemetry   = "telemetry"
	ChannelAlerts      = "alerts"
	ChannelSystemStats = "system_stats"
)

// Extra update kinds beyond the drone lifecycle ones in protocol.
const (
	UpdateTelemetry   = "TELEMETRY"
	UpdateSystemStats = "SYSTEM_STATS"
)

// DefaultQueueSize is large enough to buffer bursts.
const DefaultQueueSize = 1024

// Subscriber is a dashboard connection.
type Subscriber interface {
	ID() string
	Send(data []byte) error
}

// SnapshotFunc returns the current fleet for the connect snapshot.
type SnapshotFunc func() ([]*drone.Drone, error)

type subscription struct {
	sub Subscriber

	mu       sync.Mutex
	channels map[string]bool // empty means every channel
}

func (s *subscription) wants(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels) == 0 || s.channels[channel]
}

type outbound struct {
	channel string
	data    []byte
}

// Hub holds the dashboard subscribers.
type Hub struct {
	log      zerolog.Logger
	snapshot SnapshotFunc

	mu   sync.RWMutex
	subs map[string]*subscription

	queue   chan outbound
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewHub creates a hub with the given queue size.
func NewHub(log zerolog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		log:   log.With().Str("component", "broadcast").Logger(),
		subs:  make(map[string]*subscription),
		queue: make(chan outbound, queueSize),
	}
}

// SetSnapshotSource sets where connect snapshots are read from.
func (h *Hub) SetSnapshotSource(fn SnapshotFunc) {
	h.snapshot = fn
}

// Run drains the broadcast queue until ctx is done. A panic restarts the loop.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("broadcast loop crashed, restarting...")
			if ctx.Err() == nil {
				go h.Run(ctx)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.queue:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.wants(msg.channel) {
			continue
		}
		if err := s.sub.Send(msg.data); err != nil {
			h.log.Debug().Err(err).Str("subscriber", s.sub.ID()).Msg("broadcast send failed")
			continue
		}
		h.sent.Add(1)
	}
}

// Add registers a subscriber and sends it a fleet snapshot.
func (h *Hub) Add(sub Subscriber) {
	h.mu.Lock()
	h.subs[sub.ID()] = &subscription{sub: sub, channels: make(map[string]bool)}
	count := len(h.subs)
	h.mu.Unlock()

	h.log.Debug().Str("subscriber", sub.ID()).Int("subscribers", count).Msg("dashboard connected")
	h.SendSnapshot(sub)
}

// Remove drops a subscriber.
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub.ID())
	h.mu.Unlock()

	h.log.Debug().Str("subscriber", sub.ID()).Msg("dashboard disconnected")
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns delivered and dropped message counts.
func (h *Hub) Stats() (sent, dropped uint64) {
	return h.sent.Load(), h.dropped.Load()
}

// Subscribe limits a subscriber to the given channels (additive).
func (h *Hub) Subscribe(id string, channels []string) {
	h.mu.RLock()
	s, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for _, c := range channels {
		s.channels[c] = true
	}
	s.mu.Unlock()
}

// Unsubscribe removes channels from a subscriber's filter. Removing the last
// channel returns the subscriber to receiving everything.
func (h *Hub) Unsubscribe(id string, channels []string) {
	h.mu.RLock()
	s, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for _, c := range channels {
		delete(s.channels, c)
	}
	s.mu.Unlock()
}

// dashboardMessage is what a dashboard may send.
type dashboardMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// HandleMessage processes a frame from a dashboard.
func (h *Hub) HandleMessage(sub Subscriber, data []byte) {
	var msg dashboardMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = sub.Send(protocol.EncodeError(protocol.ReasonInvalidJSON))
		return
	}

	switch msg.Type {
	case "subscribe":
		h.Subscribe(sub.ID(), msg.Channels)
		h.log.Debug().Str("subscriber", sub.ID()).Strs("channels", msg.Channels).Msg("dashboard subscribed")
	case "unsubscribe":
		h.Unsubscribe(sub.ID(), msg.Channels)
		h.log.Debug().Str("subscriber", sub.ID()).Strs("channels", msg.Channels).Msg("dashboard unsubscribed")
	case "get_snapshot":
		h.SendSnapshot(sub)
	default:
		_ = sub.Send(protocol.EncodeError(protocol.ReasonInvalidType))
	}
}
