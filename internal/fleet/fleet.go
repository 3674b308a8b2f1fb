// Package fleet is the realtime coordination core between workers and the
// server: registration, heartbeats, telemetry ingestion, command
// correlation and liveness eviction.
package fleet

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/broadcast"
	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/DevSkoll/drone-fleet-manager/internal/session"
	"github.com/rs/zerolog"
)

var (
	// ErrRegistrationRejected is returned when a REGISTER is refused. The
	// worker still receives a REJECTED ack and keeps its connection.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrNoActiveSession is returned when a command targets a drone with no
	// live session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrUnknownCorrelation is returned when an ack matches no pending command.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrDroneExists is returned when creating a drone whose id is taken.
	ErrDroneExists = errors.New("drone already exists")
)

// Alert types raised by the server.
const (
	AlertConnectionLost = "CONNECTION_LOST"
	AlertCommandTimeout = "COMMAND_TIMEOUT"
	AlertCommandAck     = "COMMAND_ACK"
)

// Default channels announced to a worker on registration.
var DefaultChannels = []string{"telemetry", "commands"}

// Settings are the tunables the core reads. It never writes them.
type Settings struct {
	HeartbeatInterval    time.Duration
	IdleTimeout          time.Duration
	HealthCheckInterval  time.Duration
	MaxConcurrentWorkers int
	CommandTimeout       time.Duration
	Channels             []string
}

// DefaultSettings returns the stock timings.
func DefaultSettings() Settings {
	return Settings{
		HeartbeatInterval:    15 * time.Second,
		IdleTimeout:          60 * time.Second,
		HealthCheckInterval:  10 * time.Second,
		MaxConcurrentWorkers: 50,
		CommandTimeout:       30 * time.Second,
		Channels:             DefaultChannels,
	}
}

// Broadcaster receives every dashboard-visible event.
type Broadcaster interface {
	DroneCreated(d *drone.Drone)
	DroneUpdated(d *drone.Drone)
	DroneDeleted(droneID string)
	Alert(droneID, alertType, message string)
	Telemetry(droneID string, t *protocol.TelemetryPayload)
	SystemStats(stats broadcast.SystemStats)
}

// Journal records fleet events for audit.
type Journal interface {
	LogEvent(category, level, actor, droneID, action, message string, details map[string]any)
}

type nopJournal struct{}

func (nopJournal) LogEvent(_, _, _, _, _, _ string, _ map[string]any) {}

// Coordinator wires the registry, the drone store and the broadcaster
// together and handles every worker frame.
type Coordinator struct {
	log      zerolog.Logger
	settings Settings
	sessions *session.Registry
	drones   drone.Store
	bc       Broadcaster
	journal  Journal
	commands *Dispatcher
	locks    droneLocks
}

// New creates a Coordinator.
func New(log zerolog.Logger, settings Settings, sessions *session.Registry, drones drone.Store, bc Broadcaster) *Coordinator {
	if len(settings.Channels) == 0 {
		settings.Channels = DefaultChannels
	}
	c := &Coordinator{
		log:      log.With().Str("component", "fleet").Logger(),
		settings: settings,
		sessions: sessions,
		drones:   drones,
		bc:       bc,
		journal:  nopJournal{},
	}
	c.commands = newDispatcher(log, c)
	return c
}

// SetJournal sets the event journal. Without one, events are not recorded.
func (c *Coordinator) SetJournal(j Journal) {
	if j == nil {
		j = nopJournal{}
	}
	c.journal = j
}

// Sessions returns the session registry.
func (c *Coordinator) Sessions() *session.Registry { return c.sessions }

// Commands returns the command dispatcher.
func (c *Coordinator) Commands() *Dispatcher { return c.commands }

// Settings returns the active settings.
func (c *Coordinator) Settings() Settings { return c.settings }

func (c *Coordinator) now() time.Time { return c.sessions.Now() }

// HandleMessage processes one inbound worker frame. Failures are isolated
// to the frame: the sender gets an error frame and the connection stays
// open. The returned error is for logging and tests.
func (c *Coordinator) HandleMessage(conn session.Conn, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("conn_id", conn.ID()).
				Msg("message handler panic")
			c.sendError(conn, protocol.ReasonInternal)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	env, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("rejected frame")
		c.replyError(conn, err)
		return err
	}

	if err := c.dispatch(conn, env); err != nil {
		c.replyError(conn, err)
		return err
	}
	return nil
}

func (c *Coordinator) dispatch(conn session.Conn, env *protocol.Envelope) error {
	if !env.Type.FromWorker() {
		return &protocol.ProtocolError{Reason: protocol.ReasonInvalidType, Type: env.Type}
	}

	var sess *session.Session
	if env.Type != protocol.TypeRegister {
		var ok bool
		if sess, ok = c.sessions.LookupByConn(conn); !ok {
			return &protocol.ProtocolError{Reason: protocol.ReasonNotRegistered, Type: env.Type}
		}
		sess.Touch(c.now())
	}

	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case protocol.RegisterPayload:
		return c.handleRegister(conn, &p)

	case protocol.HeartbeatPayload:
		c.log.Debug().Str("worker_id", sess.WorkerID).Msg("heartbeat received")
		data, err := protocol.Encode(protocol.TypeHeartbeat, nil)
		if err != nil {
			return err
		}
		if err := sess.Send(data); err != nil {
			c.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to send heartbeat reply")
		}

	case protocol.TelemetryPayload:
		// fire-and-forget: failures are logged, never returned to the worker
		if _, err := c.IngestTelemetry(sess, &p); err != nil {
			c.log.Error().Err(err).Str("drone_id", sess.DroneID).Msg("failed to process telemetry")
		}

	case protocol.CommandAckPayload:
		c.handleCommandAck(sess, env.CorrelationID, &p)

	case protocol.AlertPayload:
		c.log.Warn().
			Str("drone_id", sess.DroneID).
			Str("alert_type", p.AlertType).
			Str("message", p.Message).
			Msg("alert from worker")
		c.bc.Alert(sess.DroneID, p.AlertType, p.Message)
	}
	return nil
}

func (c *Coordinator) handleCommandAck(sess *session.Session, correlationID string, p *protocol.CommandAckPayload) {
	cmd, err := c.commands.Acknowledge(correlationID, p.Status, p.Message)
	if err != nil {
		// already logged by the dispatcher
		return
	}
	if cmd.DroneID != sess.DroneID {
		c.log.Warn().
			Str("correlation_id", correlationID).
			Str("drone_id", cmd.DroneID).
			Str("acked_by", sess.DroneID).
			Msg("command acknowledged by a different drone")
	}
	msg := fmt.Sprintf("%s %s", cmd.Command, p.Status)
	if p.Message != "" {
		msg += ": " + p.Message
	}
	c.bc.Alert(cmd.DroneID, AlertCommandAck, msg)
}

// HandleClose cleans up after a worker transport closes. If the session was
// already evicted this is a no-op.
func (c *Coordinator) HandleClose(conn session.Conn) {
	sess, ok := c.sessions.RemoveByConn(conn)
	if !ok {
		return
	}
	c.log.Info().
		Str("session_id", sess.ID).
		Str("drone_id", sess.DroneID).
		Msg("worker disconnected")

	if _, err := c.markOffline(sess.DroneID); err != nil {
		c.log.Error().Err(err).Str("drone_id", sess.DroneID).Msg("failed to mark drone offline")
	}
	c.journal.LogEvent("session", "info", sess.WorkerID, sess.DroneID, "disconnected", "worker disconnected", nil)
}

// markOffline sets a drone OFFLINE and broadcasts the change. If a new
// session has already claimed the drone, the drone is left alone. The check
// and the write happen under the drone's lock, so a registration that wins
// the registry first always writes ACTIVE after this returns.
func (c *Coordinator) markOffline(droneID string) (*drone.Drone, error) {
	unlock := c.locks.lock(droneID)
	defer unlock()

	if c.sessions.HasSession(droneID) {
		c.log.Debug().Str("drone_id", droneID).Msg("drone reconnected, not marking offline")
		return nil, nil
	}
	d, err := c.drones.FindByID(droneID)
	if err != nil {
		return nil, fmt.Errorf("load drone %s: %w", droneID, err)
	}
	d.Status = drone.StatusOffline
	d.LastSeen = c.now()
	if err := c.drones.Save(d); err != nil {
		return nil, fmt.Errorf("save drone %s: %w", droneID, err)
	}
	c.bc.DroneUpdated(d)
	c.log.Info().Str("drone_id", droneID).Msg("marked drone OFFLINE")
	return d, nil
}

func (c *Coordinator) replyError(conn session.Conn, err error) {
	var perr *protocol.ProtocolError
	switch {
	case errors.As(err, &perr):
		c.sendError(conn, perr.Reason)
	case errors.Is(err, ErrRegistrationRejected):
		// the REJECTED ack is the answer
	default:
		c.log.Error().Err(err).Str("conn_id", conn.ID()).Msg("error processing message")
		c.sendError(conn, protocol.ReasonInternal)
	}
}

func (c *Coordinator) sendError(conn session.Conn, reason string) {
	if err := conn.Send(protocol.EncodeError(reason)); err != nil {
		c.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("failed to send error frame")
	}
}

// Reconcile marks every ACTIVE drone OFFLINE. Run once at startup, before
// any worker can register, since no session survives a restart.
func (c *Coordinator) Reconcile() (int64, error) {
	if r, ok := c.drones.(drone.StatusResetter); ok {
		n, err := r.ResetStatus(drone.StatusActive, drone.StatusOffline)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			c.log.Info().Int64("count", n).Msg("marked drones offline on startup (will reconnect)")
		}
		return n, nil
	}

	all, err := c.drones.FindAll()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, d := range all {
		if d.Status != drone.StatusActive {
			continue
		}
		d.Status = drone.StatusOffline
		if err := c.drones.Save(d); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
