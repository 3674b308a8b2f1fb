package fleet

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/broadcast"
	"github.com/rs/zerolog"
)

// Monitor periodically evicts sessions that have been silent longer than
// the idle timeout, and ages out commands that never got an ack.
type Monitor struct {
	log     zerolog.Logger
	c       *Coordinator
	running atomic.Bool
}

// NewMonitor creates a liveness monitor for the coordinator.
func NewMonitor(log zerolog.Logger, c *Coordinator) *Monitor {
	return &Monitor{
		log: log.With().Str("component", "liveness").Logger(),
		c:   c,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Evicted         int
	OfflineFailures int
	ExpiredCommands int
	Skipped         bool
}

// Run sweeps on the configured health check interval until ctx is done.
// A panic restarts the loop.
func (m *Monitor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("liveness loop crashed, restarting...")
			if ctx.Err() == nil {
				go m.Run(ctx)
			}
		}
	}()

	interval := m.c.settings.HealthCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().
		Dur("interval", interval).
		Dur("idle_timeout", m.c.settings.IdleTimeout).
		Msg("liveness monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("liveness monitor shutting down")
			return
		case <-ticker.C:
			// ticks that fire during a slow sweep are dropped by the ticker
			m.Sweep()
		}
	}
}

// Sweep evicts every session idle past the threshold at call time. For each
// one it closes the connection, marks the drone OFFLINE, and broadcasts a
// CONNECTION_LOST alert. Failures are logged per session and the sweep
// continues. A sweep that starts while another is running does nothing.
func (m *Monitor) Sweep() SweepResult {
	if !m.running.CompareAndSwap(false, true) {
		m.log.Debug().Msg("previous sweep still running, skipping")
		return SweepResult{Skipped: true}
	}
	defer m.running.Store(false)

	var res SweepResult
	for _, sess := range m.c.sessions.Expired(m.c.settings.IdleTimeout) {
		// whoever removes the session owns its cleanup
		if !m.c.sessions.RemoveSession(sess) {
			continue
		}
		res.Evicted++

		idle := sess.IdleSince(m.c.now())
		m.log.Warn().
			Str("session_id", sess.ID).
			Str("drone_id", sess.DroneID).
			Dur("idle", idle).
			Msg("worker session expired due to inactivity")

		if err := sess.Close(); err != nil {
			m.log.Error().Err(err).Str("session_id", sess.ID).Msg("error closing expired session")
		}

		if _, err := m.c.markOffline(sess.DroneID); err != nil {
			res.OfflineFailures++
			m.log.Error().Err(err).Str("drone_id", sess.DroneID).Msg("failed to mark drone offline")
		}

		m.c.bc.Alert(sess.DroneID, AlertConnectionLost, "Worker connection timed out")
		m.c.journal.LogEvent("session", "warn", "liveness", sess.DroneID, "evicted",
			"worker connection timed out", map[string]any{
				"session_id": sess.ID,
				"idle_ms":    idle.Milliseconds(),
			})
	}

	for _, cmd := range m.c.commands.Expire() {
		res.ExpiredCommands++
		m.c.bc.Alert(cmd.DroneID, AlertCommandTimeout,
			fmt.Sprintf("Command %s (%s) was not acknowledged", cmd.Command, cmd.CorrelationID))
		m.c.journal.LogEvent("command", "warn", "liveness", cmd.DroneID, "timeout",
			"command "+cmd.Command+" timed out", map[string]any{"correlation_id": cmd.CorrelationID})
	}

	if res.Evicted > 0 {
		m.log.Info().Int("count", res.Evicted).Msg("cleaned up expired worker sessions")
	}

	m.c.bc.SystemStats(broadcast.SystemStats{
		ActiveSessions:  m.c.sessions.ActiveCount(),
		PendingCommands: m.c.commands.Count(),
	})
	return res
}
