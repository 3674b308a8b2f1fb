package fleet

import (
	"errors"
	"fmt"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/DevSkoll/drone-fleet-manager/internal/session"
)

// Rejection reasons carried in a REJECTED ack.
const (
	ReasonAlreadyRegistered    = "Drone already registered"
	ReasonConnectionRegistered = "Connection already registered"
	ReasonMaxWorkers           = "Max concurrent workers reached"
)

// Register admits a worker. On success the session is live, the drone is
// ACTIVE and the returned ack is ACCEPTED. A refusal returns a REJECTED ack
// and an error wrapping ErrRegistrationRejected; the existing session for
// the drone is left untouched.
//
// A drone whose current session reports a closed connection is taken over
// immediately instead of waiting for the liveness sweep.
func (c *Coordinator) Register(conn session.Conn, p *protocol.RegisterPayload) (*protocol.RegisterAckPayload, *session.Session, error) {
	if p.DroneID == "" || p.WorkerID == "" {
		return nil, nil, &protocol.ProtocolError{
			Reason: protocol.ReasonInvalidPayload,
			Type:   protocol.TypeRegister,
			Err:    errors.New("workerId and droneId are required"),
		}
	}

	log := c.log.With().Str("worker_id", p.WorkerID).Str("drone_id", p.DroneID).Logger()
	log.Info().Msg("processing registration")

	if _, ok := c.sessions.LookupByConn(conn); ok {
		return c.reject(p, ReasonConnectionRegistered)
	}
	// a drone that already holds a session never adds to the count: either
	// its dead session is replaced below or the registration is a duplicate
	_, hasSession := c.sessions.LookupByDroneID(p.DroneID)
	if limit := c.settings.MaxConcurrentWorkers; limit > 0 && !hasSession && c.sessions.ActiveCount() >= limit {
		return c.reject(p, ReasonMaxWorkers)
	}

	sess, ok := c.sessions.TryCreate(p.WorkerID, p.DroneID, conn, p.Capabilities)
	if !ok && sess != nil && !sess.Conn.IsOpen() && c.sessions.RemoveSession(sess) {
		log.Warn().Str("session_id", sess.ID).Msg("replacing session with dead connection")
		c.journal.LogEvent("session", "warn", p.WorkerID, p.DroneID, "replaced",
			"stale session replaced by new registration", map[string]any{"session_id": sess.ID})
		sess, ok = c.sessions.TryCreate(p.WorkerID, p.DroneID, conn, p.Capabilities)
	}
	if !ok {
		return c.reject(p, ReasonAlreadyRegistered)
	}

	if err := c.activateDrone(p); err != nil {
		// the registry must not keep a session for a drone the store could
		// not activate
		c.sessions.RemoveSession(sess)
		return nil, nil, fmt.Errorf("activate drone %s: %w", p.DroneID, err)
	}

	log.Info().Str("session_id", sess.ID).Msg("registration successful")
	c.journal.LogEvent("session", "info", p.WorkerID, p.DroneID, "registered", "worker registered",
		map[string]any{
			"session_id":       sess.ID,
			"serial_number":    p.SerialNumber,
			"firmware_version": p.FirmwareVersion,
			"protocol_version": p.ProtocolVersion,
			"capabilities":     p.Capabilities,
		})

	return &protocol.RegisterAckPayload{
		Status:             protocol.RegistrationAccepted,
		SessionID:          sess.ID,
		HeartbeatInterval:  c.settings.HeartbeatInterval.Milliseconds(),
		ConfiguredChannels: append([]string(nil), c.settings.Channels...),
	}, sess, nil
}

func (c *Coordinator) reject(p *protocol.RegisterPayload, reason string) (*protocol.RegisterAckPayload, *session.Session, error) {
	c.log.Warn().
		Str("worker_id", p.WorkerID).
		Str("drone_id", p.DroneID).
		Str("reason", reason).
		Msg("registration rejected")
	c.journal.LogEvent("session", "warn", p.WorkerID, p.DroneID, "rejected", reason, nil)

	ack := &protocol.RegisterAckPayload{Status: protocol.RegistrationRejected, Reason: reason}
	return ack, nil, fmt.Errorf("%w: %s", ErrRegistrationRejected, reason)
}

// activateDrone creates the drone record if missing and sets it ACTIVE.
func (c *Coordinator) activateDrone(p *protocol.RegisterPayload) error {
	unlock := c.locks.lock(p.DroneID)
	defer unlock()

	d, err := c.drones.FindByID(p.DroneID)
	switch {
	case errors.Is(err, drone.ErrNotFound):
		c.log.Info().Str("drone_id", p.DroneID).Msg("creating new drone record")
		d = drone.New(p.DroneID, "Worker-"+p.WorkerID, "", p.SerialNumber)
		d.Status = drone.StatusActive
		d.LastSeen = c.now()
		if err := c.drones.Save(d); err != nil {
			return err
		}
		c.bc.DroneCreated(d)
		return nil
	case err != nil:
		return err
	}

	d.Status = drone.StatusActive
	d.LastSeen = c.now()
	if d.SerialNumber == "" {
		d.SerialNumber = p.SerialNumber
	}
	if err := c.drones.Save(d); err != nil {
		return err
	}
	c.bc.DroneUpdated(d)
	return nil
}

// handleRegister runs Register and sends the ack on the connection.
func (c *Coordinator) handleRegister(conn session.Conn, p *protocol.RegisterPayload) error {
	ack, _, err := c.Register(conn, p)
	if ack == nil {
		return err
	}
	data, encErr := protocol.Encode(protocol.TypeRegisterAck, ack)
	if encErr != nil {
		return encErr
	}
	if sendErr := conn.Send(data); sendErr != nil {
		c.log.Warn().Err(sendErr).Str("drone_id", p.DroneID).Msg("failed to send registration ack")
	}
	return err
}
