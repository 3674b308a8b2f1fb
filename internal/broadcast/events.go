package broadcast

import (
	"encoding/json"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
)

// Publish queues an envelope for every subscriber of its channel.
// Non-blocking: the message is dropped if the queue is full.
func (h *Hub) Publish(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshal broadcast message")
		return
	}

	select {
	case h.queue <- outbound{channel: env.Channel, data: data}:
	default:
		h.dropped.Add(1)
		h.log.Warn().Str("channel", env.Channel).Msg("broadcast queue full, dropping message")
	}
}

func (h *Hub) publishUpdate(channel string, payload protocol.UpdatePayload) {
	env, err := protocol.NewEnvelope(protocol.TypeUpdate, payload)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channel).Msg("failed to build update")
		return
	}
	h.Publish(env.WithChannel(channel))
}

func (h *Hub) droneEvent(updateType string, d *drone.Drone) {
	data, err := json.Marshal(d)
	if err != nil {
		h.log.Error().Err(err).Str("drone_id", d.ID).Msg("failed to marshal drone")
		return
	}
	h.publishUpdate(ChannelDrones, protocol.UpdatePayload{
		UpdateType: updateType,
		DroneID:    d.ID,
		Data:       data,
	})
}

// DroneCreated announces a new drone.
func (h *Hub) DroneCreated(d *drone.Drone) {
	h.droneEvent(protocol.DroneCreated, d)
	h.log.Debug().Str("drone_id", d.ID).Msg("broadcast drone created")
}

// DroneUpdated announces a changed drone.
func (h *Hub) DroneUpdated(d *drone.Drone) {
	h.droneEvent(protocol.DroneUpdated, d)
	h.log.Debug().Str("drone_id", d.ID).Msg("broadcast drone update")
}

// DroneDeleted announces a removed drone. The payload carries no data.
func (h *Hub) DroneDeleted(droneID string) {
	h.publishUpdate(ChannelDrones, protocol.UpdatePayload{
		UpdateType: protocol.DroneDeleted,
		DroneID:    droneID,
	})
	h.log.Debug().Str("drone_id", droneID).Msg("broadcast drone deleted")
}

// Alert publishes an alert on the alerts channel.
func (h *Hub) Alert(droneID, alertType, message string) {
	h.publishUpdate(ChannelAlerts, protocol.UpdatePayload{
		DroneID:   droneID,
		AlertType: alertType,
		Message:   message,
	})
	h.log.Info().
		Str("drone_id", droneID).
		Str("alert_type", alertType).
		Str("message", message).
		Msg("broadcast alert")
}

// Telemetry forwards a raw telemetry frame on the telemetry channel.
func (h *Hub) Telemetry(droneID string, t *protocol.TelemetryPayload) {
	data, err := json.Marshal(t)
	if err != nil {
		h.log.Error().Err(err).Str("drone_id", droneID).Msg("failed to marshal telemetry")
		return
	}
	h.publishUpdate(ChannelTelemetry, protocol.UpdatePayload{
		UpdateType: UpdateTelemetry,
		DroneID:    droneID,
		Data:       data,
	})
}

// SystemStats is published on the system_stats channel after each liveness sweep.
type SystemStats struct {
	ActiveSessions    int    `json:"activeSessions"`
	PendingCommands   int    `json:"pendingCommands"`
	Dashboards        int    `json:"dashboards"`
	DroppedBroadcasts uint64 `json:"droppedBroadcasts"`
}

// SystemStats publishes fleet-wide counters.
func (h *Hub) SystemStats(stats SystemStats) {
	stats.Dashboards = h.Count()
	_, stats.DroppedBroadcasts = h.Stats()
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	h.publishUpdate(ChannelSystemStats, protocol.UpdatePayload{
		UpdateType: UpdateSystemStats,
		Data:       data,
	})
}

// SendSnapshot writes the full fleet directly to one subscriber.
func (h *Hub) SendSnapshot(sub Subscriber) {
	if h.snapshot == nil {
		return
	}
	drones, err := h.snapshot()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load fleet snapshot")
		return
	}

	payload := protocol.SnapshotPayload{Drones: make([]json.RawMessage, 0, len(drones))}
	for _, d := range drones {
		data, err := json.Marshal(d)
		if err != nil {
			continue
		}
		payload.Drones = append(payload.Drones, data)
	}

	env, err := protocol.NewEnvelope(protocol.TypeSnapshot, payload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build snapshot")
		return
	}
	data, err := env.WithChannel(ChannelDrones).Encode()
	if err != nil {
		return
	}
	if err := sub.Send(data); err != nil {
		h.log.Debug().Err(err).Str("subscriber", sub.ID()).Msg("snapshot send failed")
		return
	}
	h.log.Debug().Int("drones", len(drones)).Str("subscriber", sub.ID()).Msg("sent fleet snapshot")
}
