// Package worker implements a simulated drone worker: it registers with the
// fleet server, heartbeats, reports synthetic telemetry and acknowledges
// commands.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/config"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/rs/zerolog"
)

// Version is reported as the worker protocol version.
const Version = "1.0"

// defaultHeartbeat is used until the server advertises an interval.
const defaultHeartbeat = 15 * time.Second

// Worker coordinates the connection, heartbeat and telemetry loops.
type Worker struct {
	cfg    *config.Worker
	log    zerolog.Logger
	ws     *WebSocketClient
	ctx    context.Context
	cancel context.CancelFunc
	sim    *flightSim

	mu         sync.RWMutex
	registered bool
	sessionID  string
	heartbeat  time.Duration
	resetHB    chan struct{}

	commandsAcked atomic.Int64
}

// New creates a worker with the given configuration.
func New(cfg *config.Worker, log zerolog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:       cfg,
		log:       log.With().Str("component", "worker").Str("drone_id", cfg.DroneID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		sim:       newFlightSim(cfg.DroneID),
		heartbeat: defaultHeartbeat,
		resetHB:   make(chan struct{}, 1),
	}
	w.ws = NewWebSocketClient(cfg, w.log, w)
	return w
}

// Run starts the worker and blocks until Shutdown.
func (w *Worker) Run() error {
	w.log.Info().
		Str("worker_id", w.cfg.WorkerID).
		Str("url", w.cfg.URL).
		Msg("starting worker")

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		w.heartbeatLoop()
	}()
	go func() {
		defer wg.Done()
		w.telemetryLoop()
	}()
	go func() {
		defer wg.Done()
		w.messageLoop()
	}()

	w.ws.Run(w.ctx)

	wg.Wait()
	w.log.Info().Msg("worker stopped")
	return nil
}

// Shutdown initiates graceful shutdown.
func (w *Worker) Shutdown() {
	w.log.Info().Msg("shutting down")
	if err := w.ws.Close(); err != nil {
		w.log.Debug().Err(err).Msg("error closing websocket")
	}
	w.cancel()
}

// OnConnected sends the registration.
func (w *Worker) OnConnected() {
	w.log.Info().Msg("connected to fleet server")

	payload := protocol.RegisterPayload{
		WorkerID:        w.cfg.WorkerID,
		DroneID:         w.cfg.DroneID,
		SerialNumber:    w.cfg.SerialNumber,
		Capabilities:    w.cfg.Capabilities,
		FirmwareVersion: w.cfg.FirmwareVersion,
		ProtocolVersion: Version,
	}
	if err := w.ws.SendMessage(protocol.TypeRegister, payload); err != nil {
		w.log.Error().Err(err).Msg("failed to send registration")
		return
	}
	w.log.Debug().Msg("registration sent")
}

// OnDisconnected clears the registration.
func (w *Worker) OnDisconnected() {
	w.mu.Lock()
	w.registered = false
	w.sessionID = ""
	w.mu.Unlock()
	w.log.Warn().Msg("disconnected from fleet server")
}

// OnMessage handles one envelope from the server.
func (w *Worker) OnMessage(env *protocol.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		w.log.Error().Err(err).Str("type", string(env.Type)).Msg("failed to parse message payload")
		return
	}

	switch p := payload.(type) {
	case protocol.RegisterAckPayload:
		w.handleAck(&p)

	case protocol.CommandPayload:
		w.handleCommand(env.CorrelationID, &p)

	case protocol.HeartbeatPayload:
		w.log.Debug().Msg("heartbeat acknowledged")

	default:
		w.log.Warn().Str("type", string(env.Type)).Msg("unexpected message type")
	}
}

func (w *Worker) handleAck(ack *protocol.RegisterAckPayload) {
	if ack.Status != protocol.RegistrationAccepted {
		// the server keeps the connection; the next reconnect retries
		w.log.Error().Str("reason", ack.Reason).Msg("registration rejected")
		return
	}

	interval := time.Duration(ack.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultHeartbeat
	}

	w.mu.Lock()
	w.registered = true
	w.sessionID = ack.SessionID
	w.heartbeat = interval
	w.mu.Unlock()

	select {
	case w.resetHB <- struct{}{}:
	default:
	}

	w.log.Info().
		Str("session_id", ack.SessionID).
		Dur("heartbeat_interval", interval).
		Strs("channels", ack.ConfiguredChannels).
		Msg("registered with fleet server")

	w.sendHeartbeat()
}

// handleCommand applies the command to the simulation and acknowledges it.
func (w *Worker) handleCommand(correlationID string, cmd *protocol.CommandPayload) {
	w.log.Info().
		Str("command", cmd.Command).
		Str("correlation_id", correlationID).
		Str("priority", cmd.Priority).
		Msg("command received")

	status, message := protocol.AckSuccess, ""
	if err := w.sim.Apply(cmd.Command, cmd.Parameters); err != nil {
		status, message = protocol.AckFailed, err.Error()
	}

	env, err := protocol.NewEnvelope(protocol.TypeCommandAck, protocol.CommandAckPayload{
		Status:  status,
		Message: message,
	})
	if err != nil {
		w.log.Error().Err(err).Msg("failed to build command ack")
		return
	}
	if err := w.ws.Send(env.WithCorrelation(correlationID)); err != nil {
		w.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("failed to send command ack")
		return
	}
	w.commandsAcked.Add(1)
}

// IsRegistered reports whether the server accepted the registration.
func (w *Worker) IsRegistered() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.registered
}

// SessionID returns the current session id, or "" when unregistered.
func (w *Worker) SessionID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sessionID
}

// CommandsAcked returns how many commands were acknowledged.
func (w *Worker) CommandsAcked() int64 {
	return w.commandsAcked.Load()
}

func (w *Worker) heartbeatInterval() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.heartbeat
}

func (w *Worker) messageLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case env := <-w.ws.Messages():
			if env != nil {
				w.OnMessage(env)
			}
		}
	}
}
