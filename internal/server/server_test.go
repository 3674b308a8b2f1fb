package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/fleet"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/DevSkoll/drone-fleet-manager/internal/server"
	"github.com/DevSkoll/drone-fleet-manager/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
}

// A worker registers, reports telemetry, goes silent and is evicted, while
// a dashboard watches.
func TestWorkerLifecycleOverWebSocket(t *testing.T) {
	env := newTestEnv(t, testConfig())

	dash := env.dial(t, "/ws/dashboard", nil)
	readEnvelope(t, dash, protocol.TypeSnapshot)

	worker, ack := env.register(t, "w1", "d1")
	assert.EqualValues(t, 100, ack.HeartbeatInterval)
	assert.Equal(t, []string{"telemetry", "commands"}, ack.ConfiguredChannels)
	assert.Equal(t, drone.StatusActive, env.getDrone(t, "d1").Status)

	created := readUpdate(t, dash, "drones", func(p protocol.UpdatePayload) bool {
		return p.UpdateType == protocol.DroneCreated
	})
	assert.Equal(t, "d1", created.DroneID)

	send(t, worker, protocol.TypeTelemetry, protocol.TelemetryPayload{
		DroneID: "d1", Battery: &protocol.Battery{Level: ptr(0.42)},
	})
	assert.Eventually(t, func() bool {
		d := env.getDrone(t, "d1")
		return d.BatteryLevel != nil && *d.BatteryLevel == 0.42
	}, time.Second, 20*time.Millisecond)

	// the worker stops talking; the sweep evicts it
	lost := readUpdate(t, dash, "alerts", func(p protocol.UpdatePayload) bool {
		return p.AlertType == fleet.AlertConnectionLost
	})
	assert.Equal(t, "d1", lost.DroneID)
	assert.Equal(t, "Worker connection timed out", lost.Message)

	d := env.getDrone(t, "d1")
	assert.Equal(t, drone.StatusOffline, d.Status)
	require.NotNil(t, d.BatteryLevel)
	assert.InDelta(t, 0.42, *d.BatteryLevel, 1e-9)

	// the server closed the worker's socket
	require.NoError(t, worker.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		if _, _, err := worker.ReadMessage(); err != nil {
			break
		}
	}

	resp, _ := env.do(t, http.MethodPost, "/api/drones/d1/commands", map[string]any{"command": "LAND"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHeartbeatKeepsWorkerAlive(t *testing.T) {
	env := newTestEnv(t, testConfig())
	worker, _ := env.register(t, "w1", "d1")

	stop := time.After(time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			send(t, worker, protocol.TypeHeartbeat, nil)
			readEnvelope(t, worker, protocol.TypeHeartbeat)
		case <-stop:
			break loop
		}
	}

	assert.Equal(t, drone.StatusActive, env.getDrone(t, "d1").Status)
	assert.True(t, env.srv.Coordinator().Sessions().HasSession("d1"))
}

func TestWorkerDisconnectMarksOffline(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.IdleTimeout = time.Minute
	env := newTestEnv(t, cfg)

	worker, _ := env.register(t, "w1", "d1")
	_ = worker.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = worker.Close()

	assert.Eventually(t, func() bool {
		return env.getDrone(t, "d1").Status == drone.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, env.srv.Coordinator().Sessions().HasSession("d1"))

	// the drone can register again
	env.register(t, "w1", "d1")
}

func TestDuplicateRegistrationOverWebSocket(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.IdleTimeout = time.Minute
	env := newTestEnv(t, cfg)
	env.register(t, "w1", "d1")

	second := env.dial(t, "/ws/fleet", nil)
	send(t, second, protocol.TypeRegister, protocol.RegisterPayload{WorkerID: "w2", DroneID: "d1"})

	var ack protocol.RegisterAckPayload
	require.NoError(t, readEnvelope(t, second, protocol.TypeRegisterAck).ParsePayload(&ack))
	assert.Equal(t, protocol.RegistrationRejected, ack.Status)
	assert.Equal(t, fleet.ReasonAlreadyRegistered, ack.Reason)
}

func TestErrorFramesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, "/ws/fleet", nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{garbage")))
	assert.Equal(t, protocol.ReasonInvalidJSON, readError(t, conn))

	send(t, conn, protocol.TypeHeartbeat, nil)
	assert.Equal(t, protocol.ReasonNotRegistered, readError(t, conn))

	send(t, conn, protocol.TypeSnapshot, nil)
	assert.Equal(t, protocol.ReasonInvalidType, readError(t, conn))

	// still usable
	send(t, conn, protocol.TypeRegister, protocol.RegisterPayload{WorkerID: "w1", DroneID: "d1"})
	readEnvelope(t, conn, protocol.TypeRegisterAck)
}

func TestWorkerRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.IdleTimeout = time.Minute
	cfg.WebSocket.MaxMessageRate = 1
	env := newTestEnv(t, cfg)
	worker, _ := env.register(t, "w1", "d1")

	for range 5 {
		send(t, worker, protocol.TypeHeartbeat, nil)
	}
	assert.Equal(t, protocol.ReasonRateLimited, readError(t, worker))
	assert.True(t, env.srv.Coordinator().Sessions().HasSession("d1"))
}

func TestWorkerKeyRequired(t *testing.T) {
	hash, err := server.HashKey("s3cret")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Security.AuthEnabled = true
	cfg.Security.WorkerKeyHash = hash
	env := newTestEnv(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/fleet"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL("/ws/fleet"), http.Header{server.WorkerKeyHeader: {"wrong"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := env.dial(t, "/ws/fleet", http.Header{server.WorkerKeyHeader: {"s3cret"}})
	send(t, conn, protocol.TypeRegister, protocol.RegisterPayload{WorkerID: "w1", DroneID: "d1"})
	readEnvelope(t, conn, protocol.TypeRegisterAck)
}

func TestCommandRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.IdleTimeout = time.Minute
	env := newTestEnv(t, cfg)

	resp, _ := env.do(t, http.MethodPost, "/api/drones/d1/commands", map[string]any{"command": "TAKEOFF"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	worker, _ := env.register(t, "w1", "d1")
	dash := env.dial(t, "/ws/dashboard", nil)
	readEnvelope(t, dash, protocol.TypeSnapshot)

	resp, body := env.do(t, http.MethodPost, "/api/drones/d1/commands", map[string]any{
		"command": "TAKEOFF", "parameters": map[string]any{"altitude": 30}, "priority": "HIGH",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted struct {
		CorrelationID string `json:"correlationId"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.NotEmpty(t, accepted.CorrelationID)

	cmdEnv := readEnvelope(t, worker, protocol.TypeCommand)
	assert.Equal(t, accepted.CorrelationID, cmdEnv.CorrelationID)
	var cmd protocol.CommandPayload
	require.NoError(t, cmdEnv.ParsePayload(&cmd))
	assert.Equal(t, "TAKEOFF", cmd.Command)
	assert.Equal(t, protocol.PriorityHigh, cmd.Priority)
	assert.EqualValues(t, 5000, cmd.Timeout)

	_, body = env.do(t, http.MethodGet, "/api/commands/"+accepted.CorrelationID, nil)
	assert.Contains(t, string(body), `"pending":true`)

	ackEnv, err := protocol.NewEnvelope(protocol.TypeCommandAck, protocol.CommandAckPayload{Status: protocol.AckSuccess})
	require.NoError(t, err)
	data, err := ackEnv.WithCorrelation(accepted.CorrelationID).Encode()
	require.NoError(t, err)
	require.NoError(t, worker.WriteMessage(websocket.TextMessage, data))

	alert := readUpdate(t, dash, "alerts", func(p protocol.UpdatePayload) bool {
		return p.AlertType == fleet.AlertCommandAck
	})
	assert.Equal(t, "TAKEOFF SUCCESS", alert.Message)

	_, body = env.do(t, http.MethodGet, "/api/commands/"+accepted.CorrelationID, nil)
	assert.Contains(t, string(body), `"pending":false`)
}

func TestCommandValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, _ := env.do(t, http.MethodPost, "/api/drones/d1/commands", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/drones/d1/commands", map[string]any{"command": "X", "priority": "URGENT"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDroneCRUD(t *testing.T) {
	env := newTestEnv(t, testConfig())
	dash := env.dial(t, "/ws/dashboard", nil)
	readEnvelope(t, dash, protocol.TypeSnapshot)

	resp, _ := env.do(t, http.MethodPost, "/api/drones", map[string]any{"id": "d5"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/drones", map[string]any{
		"id": "d5", "name": "Survey Five", "model": "Quad-4", "serialNumber": "SN5",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := readUpdate(t, dash, "drones", func(p protocol.UpdatePayload) bool {
		return p.UpdateType == protocol.DroneCreated
	})
	assert.Equal(t, "d5", created.DroneID)

	resp, _ = env.do(t, http.MethodPost, "/api/drones", map[string]any{"id": "d5", "name": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	d := env.getDrone(t, "d5")
	assert.Equal(t, "Survey Five", d.Name)
	assert.Equal(t, drone.StatusOffline, d.Status)

	resp, body = env.do(t, http.MethodGet, "/api/drones", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Drones []drone.Drone `json:"drones"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Drones, 1)

	resp, body = env.do(t, http.MethodPut, "/api/drones/d5", map[string]any{"name": "Survey 5b"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	updated := readUpdate(t, dash, "drones", func(p protocol.UpdatePayload) bool {
		return p.UpdateType == protocol.DroneUpdated
	})
	assert.Equal(t, "d5", updated.DroneID)
	d = env.getDrone(t, "d5")
	assert.Equal(t, "Survey 5b", d.Name)
	assert.Equal(t, "Quad-4", d.Model, "omitted fields are kept")
	assert.Equal(t, drone.StatusOffline, d.Status)

	resp, _ = env.do(t, http.MethodPut, "/api/drones/d5", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPut, "/api/drones/nope", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/drones/d5", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	deleted := readUpdate(t, dash, "drones", func(p protocol.UpdatePayload) bool {
		return p.UpdateType == protocol.DroneDeleted
	})
	assert.Equal(t, "d5", deleted.DroneID)

	resp, _ = env.do(t, http.MethodGet, "/api/drones/d5", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/drones/d5", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownClosesWebSockets(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.IdleTimeout = time.Minute
	env := newTestEnv(t, cfg)

	worker, _ := env.register(t, "w1", "d1")
	unregistered := env.dial(t, "/ws/fleet", nil)
	dash := env.dial(t, "/ws/dashboard", nil)
	readEnvelope(t, dash, protocol.TypeSnapshot)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	for name, conn := range map[string]*websocket.Conn{
		"worker": worker, "unregistered": unregistered, "dashboard": dash,
	} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
		var err error
		for err == nil {
			_, _, err = conn.ReadMessage()
		}
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%s: got %v", name, err)
	}

	require.Eventually(t, func() bool {
		return !env.srv.Coordinator().Sessions().HasSession("d1")
	}, time.Second, 10*time.Millisecond)
}

func TestSessionsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.IdleTimeout = time.Minute
	env := newTestEnv(t, cfg)
	_, ack := env.register(t, "w1", "d1")

	_, body := env.do(t, http.MethodGet, "/api/sessions", nil)
	var out struct {
		Sessions []struct {
			SessionID string `json:"sessionId"`
			DroneID   string `json:"droneId"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, ack.SessionID, out.Sessions[0].SessionID)
	assert.Equal(t, "d1", out.Sessions[0].DroneID)
}

func TestEventLogWithSQLite(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(zerolog.Nop(), db)

	// left ACTIVE by a previous run
	stale := drone.New("d0", "stale", "", "")
	stale.Status = drone.StatusActive
	require.NoError(t, st.Save(stale))

	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.WebSocket.IdleTimeout = time.Minute
	env := newTestEnvWith(t, cfg, st, st)

	assert.Equal(t, drone.StatusOffline, env.getDrone(t, "d0").Status)

	env.register(t, "w1", "d1")

	resp, body := env.do(t, http.MethodGet, "/api/drones/d1/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Events []store.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Events)
	assert.Equal(t, "registered", out.Events[0].Action)

	resp, _ = env.do(t, http.MethodGet, "/api/events?limit=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsDisabledWithMemoryStore(t *testing.T) {
	env := newTestEnv(t, testConfig())
	resp, _ := env.do(t, http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func ptr(v float64) *float64 { return &v }
