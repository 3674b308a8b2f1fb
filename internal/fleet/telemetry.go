package fleet

import (
	"errors"
	"fmt"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/DevSkoll/drone-fleet-manager/internal/session"
)

// IngestTelemetry applies a partial telemetry report to the session's drone.
// Only fields present in the payload are considered. When something changed
// the drone is persisted and a DRONE_UPDATED event is broadcast; a store
// failure skips the broadcast and leaves the prior record authoritative.
//
// The drone is always the session's drone; a different droneId in the
// payload is ignored. A frame from a session that was evicted or replaced
// while it was in flight is dropped.
func (c *Coordinator) IngestTelemetry(sess *session.Session, t *protocol.TelemetryPayload) (bool, error) {
	droneID := sess.DroneID
	if t.DroneID != "" && t.DroneID != droneID {
		c.log.Warn().
			Str("drone_id", droneID).
			Str("payload_drone_id", t.DroneID).
			Msg("telemetry droneId does not match session, using session drone")
	}

	unlock := c.locks.lock(droneID)
	defer unlock()

	if cur, ok := c.sessions.LookupByDroneID(droneID); !ok || cur != sess {
		c.log.Debug().Str("drone_id", droneID).Str("session_id", sess.ID).Msg("telemetry from stale session dropped")
		return false, nil
	}

	d, err := c.drones.FindByID(droneID)
	if errors.Is(err, drone.ErrNotFound) {
		c.log.Warn().Str("drone_id", droneID).Msg("drone not found for telemetry")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load drone %s: %w", droneID, err)
	}

	c.bc.Telemetry(droneID, t)

	if !c.applyTelemetry(d, t) {
		return false, nil
	}
	d.LastSeen = c.now()
	if err := c.drones.Save(d); err != nil {
		return false, fmt.Errorf("save drone %s: %w", droneID, err)
	}
	c.bc.DroneUpdated(d)
	return true, nil
}

// applyTelemetry mutates d and reports whether any field changed.
func (c *Coordinator) applyTelemetry(d *drone.Drone, t *protocol.TelemetryPayload) bool {
	changed := false
	if pos := t.Position; pos != nil {
		changed = setFloat(&d.Latitude, pos.Latitude) || changed
		changed = setFloat(&d.Longitude, pos.Longitude) || changed
		changed = setFloat(&d.Altitude, pos.Altitude) || changed
	}
	if t.Battery != nil {
		changed = setFloat(&d.BatteryLevel, t.Battery.Level) || changed
	}
	if t.Status != "" {
		status, ok := drone.ParseStatus(t.Status)
		switch {
		case !ok:
			c.log.Warn().Str("drone_id", d.ID).Str("status", t.Status).Msg("invalid status in telemetry")
		case status != d.Status:
			d.Status = status
			changed = true
		}
	}
	return changed
}

// setFloat copies v into *dst if v is present and differs.
func setFloat(dst **float64, v *float64) bool {
	if v == nil {
		return false
	}
	if *dst != nil && **dst == *v {
		return false
	}
	val := *v
	*dst = &val
	return true
}
