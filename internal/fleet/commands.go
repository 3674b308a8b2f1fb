package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PendingCommand is a dispatched command awaiting acknowledgment.
type PendingCommand struct {
	CorrelationID string         `json:"correlationId"`
	DroneID       string         `json:"droneId"`
	Command       string         `json:"command"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Priority      string         `json:"priority"`
	IssuedAt      time.Time      `json:"issuedAt"`
	Deadline      time.Time      `json:"deadline"`
}

// CommandRequest describes a command to dispatch. Empty Priority means
// NORMAL and zero Timeout means the configured command timeout.
type CommandRequest struct {
	DroneID    string
	Command    string
	Parameters map[string]any
	Priority   string
	Timeout    time.Duration
}

// Dispatcher issues commands to workers and tracks them until acknowledged
// or expired.
type Dispatcher struct {
	log zerolog.Logger
	c   *Coordinator

	mu      sync.Mutex
	pending map[string]*PendingCommand
}

func newDispatcher(log zerolog.Logger, c *Coordinator) *Dispatcher {
	return &Dispatcher{
		log:     log.With().Str("component", "commands").Logger(),
		c:       c,
		pending: make(map[string]*PendingCommand),
	}
}

// SendCommand dispatches a command with default priority and timeout.
func (d *Dispatcher) SendCommand(droneID, command string, parameters map[string]any) (string, error) {
	return d.Send(CommandRequest{DroneID: droneID, Command: command, Parameters: parameters})
}

// Send dispatches a command and returns its correlation id. It fails with
// ErrNoActiveSession, leaving nothing pending, when the drone has no live
// session, and with a *session.TransportError when the write fails.
func (d *Dispatcher) Send(req CommandRequest) (string, error) {
	sess, ok := d.c.sessions.LookupByDroneID(req.DroneID)
	if !ok {
		return "", fmt.Errorf("%w for drone %s", ErrNoActiveSession, req.DroneID)
	}

	priority := req.Priority
	if priority == "" {
		priority = protocol.PriorityNormal
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.c.settings.CommandTimeout
	}
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}

	correlationID := uuid.New().String()
	env, err := protocol.NewEnvelope(protocol.TypeCommand, protocol.CommandPayload{
		DroneID:    req.DroneID,
		Command:    req.Command,
		Parameters: params,
		Priority:   priority,
		Timeout:    timeout.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("build command: %w", err)
	}
	data, err := env.WithCorrelation(correlationID).Encode()
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	// tracked before the write so an immediate ack finds it
	now := d.c.now()
	d.mu.Lock()
	d.pending[correlationID] = &PendingCommand{
		CorrelationID: correlationID,
		DroneID:       req.DroneID,
		Command:       req.Command,
		Parameters:    params,
		Priority:      priority,
		IssuedAt:      now,
		Deadline:      now.Add(timeout),
	}
	d.mu.Unlock()

	if err := sess.Send(data); err != nil {
		d.mu.Lock()
		delete(d.pending, correlationID)
		d.mu.Unlock()
		return "", err
	}

	d.log.Info().
		Str("command", req.Command).
		Str("drone_id", req.DroneID).
		Str("correlation_id", correlationID).
		Str("priority", priority).
		Msg("sent command")
	d.c.journal.LogEvent("command", "info", "operator", req.DroneID, "dispatched",
		"command "+req.Command, map[string]any{"correlation_id": correlationID, "priority": priority})
	return correlationID, nil
}

// Acknowledge resolves a pending command. Each command resolves at most
// once; an unmatched id is logged and reported as ErrUnknownCorrelation.
func (d *Dispatcher) Acknowledge(correlationID, status, message string) (*PendingCommand, error) {
	d.mu.Lock()
	cmd, ok := d.pending[correlationID]
	if ok {
		delete(d.pending, correlationID)
	}
	d.mu.Unlock()

	if !ok {
		d.log.Warn().Str("correlation_id", correlationID).Msg("received ack for unknown command")
		return nil, ErrUnknownCorrelation
	}

	duration := d.c.now().Sub(cmd.IssuedAt)
	d.log.Info().
		Str("command", cmd.Command).
		Str("drone_id", cmd.DroneID).
		Str("status", status).
		Str("message", message).
		Dur("duration", duration).
		Msg("command acknowledged")
	d.c.journal.LogEvent("command", "info", cmd.DroneID, cmd.DroneID, "acknowledged",
		"command "+cmd.Command+" "+status, map[string]any{
			"correlation_id": correlationID,
			"message":        message,
			"duration_ms":    duration.Milliseconds(),
		})
	return cmd, nil
}

// IsPending reports whether a command is still awaiting its ack.
func (d *Dispatcher) IsPending(correlationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[correlationID]
	return ok
}

// Pending returns a copy of a pending command.
func (d *Dispatcher) Pending(correlationID string) (PendingCommand, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.pending[correlationID]
	if !ok {
		return PendingCommand{}, false
	}
	return *cmd, true
}

// Count returns the number of pending commands.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Expire removes and returns commands whose deadline has passed.
func (d *Dispatcher) Expire() []PendingCommand {
	now := d.c.now()

	d.mu.Lock()
	var expired []PendingCommand
	for id, cmd := range d.pending {
		if now.After(cmd.Deadline) {
			expired = append(expired, *cmd)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, cmd := range expired {
		d.log.Warn().
			Str("command", cmd.Command).
			Str("drone_id", cmd.DroneID).
			Str("correlation_id", cmd.CorrelationID).
			Dur("timeout", cmd.Deadline.Sub(cmd.IssuedAt)).
			Msg("command expired without ack")
	}
	return expired
}
