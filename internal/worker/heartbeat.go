package worker

import (
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
)

// heartbeatLoop sends heartbeats at the interval the server advertised.
func (w *Worker) heartbeatLoop() {
	timer := time.NewTimer(w.heartbeatInterval())
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
			if w.ws.IsConnected() && w.IsRegistered() {
				w.sendHeartbeat()
			}
			timer.Reset(w.heartbeatInterval())
		case <-w.resetHB:
			timer.Reset(w.heartbeatInterval())
		}
	}
}

func (w *Worker) sendHeartbeat() {
	if err := w.ws.SendMessage(protocol.TypeHeartbeat, nil); err != nil {
		w.log.Debug().Err(err).Msg("failed to send heartbeat")
		return
	}
	w.log.Debug().Msg("heartbeat sent")
}

// telemetryLoop reports the simulated state on a fixed period.
func (w *Worker) telemetryLoop() {
	ticker := time.NewTicker(w.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if !w.ws.IsConnected() || !w.IsRegistered() {
				continue
			}
			t := w.sim.Step(w.cfg.TelemetryInterval)
			if err := w.ws.SendMessage(protocol.TypeTelemetry, t); err != nil {
				w.log.Debug().Err(err).Msg("failed to send telemetry")
			}
		}
	}
}
