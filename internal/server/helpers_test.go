package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/config"
	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/DevSkoll/drone-fleet-manager/internal/server"
	"github.com/DevSkoll/drone-fleet-manager/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const readTimeout = 3 * time.Second

// testConfig uses short liveness timings so eviction happens within a test.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Listen: "127.0.0.1:0"},
		Store:  config.StoreConfig{Driver: "memory"},
		WebSocket: config.WebSocketConfig{
			HeartbeatInterval:   100 * time.Millisecond,
			IdleTimeout:         400 * time.Millisecond,
			HealthCheckInterval: 50 * time.Millisecond,
			MaxMessageRate:      1000,
			MaxMessageSize:      64 * 1024,
		},
		Fleet: config.FleetConfig{
			MaxConcurrentWorkers: 10,
			CommandTimeout:       5 * time.Second,
			Channels:             []string{"telemetry", "commands"},
		},
		Log: config.LogConfig{Level: "debug", Format: "json"},
	}
}

type testEnv struct {
	srv *server.Server
	ts  *httptest.Server
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	return newTestEnvWith(t, cfg, drone.NewMemoryStore(), nil)
}

func newTestEnvWith(t *testing.T, cfg *config.Config, drones drone.Store, events *store.Store) *testEnv {
	t.Helper()
	srv := server.New(cfg, drones, events, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return &testEnv{srv: srv, ts: ts}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// register dials /ws/fleet and requires an ACCEPTED ack.
func (e *testEnv) register(t *testing.T, workerID, droneID string) (*websocket.Conn, protocol.RegisterAckPayload) {
	t.Helper()
	conn := e.dial(t, "/ws/fleet", nil)
	send(t, conn, protocol.TypeRegister, protocol.RegisterPayload{
		WorkerID: workerID, DroneID: droneID, SerialNumber: "sn-" + droneID,
	})
	env := readEnvelope(t, conn, protocol.TypeRegisterAck)
	var ack protocol.RegisterAckPayload
	require.NoError(t, env.ParsePayload(&ack))
	require.Equal(t, protocol.RegistrationAccepted, ack.Status, ack.Reason)
	return conn, ack
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (e *testEnv) getDrone(t *testing.T, id string) drone.Drone {
	t.Helper()
	resp, body := e.do(t, http.MethodGet, "/api/drones/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var d drone.Drone
	require.NoError(t, json.Unmarshal(body, &d))
	return d
}

func send(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload any) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads frames until match returns true, skipping the rest.
func readUntil(t *testing.T, conn *websocket.Conn, match func([]byte) bool) []byte {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for frame")
		if match(data) {
			return data
		}
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType) *protocol.Envelope {
	t.Helper()
	data := readUntil(t, conn, func(data []byte) bool {
		env, err := protocol.Decode(data)
		return err == nil && env.Type == msgType
	})
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	data := readUntil(t, conn, func(data []byte) bool {
		var ef protocol.ErrorFrame
		return json.Unmarshal(data, &ef) == nil && ef.Error != ""
	})
	var ef protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(data, &ef))
	return ef.Error
}

// readUpdate waits for an UPDATE on channel matching pred.
func readUpdate(t *testing.T, conn *websocket.Conn, channel string, pred func(protocol.UpdatePayload) bool) protocol.UpdatePayload {
	t.Helper()
	var out protocol.UpdatePayload
	readUntil(t, conn, func(data []byte) bool {
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.TypeUpdate || env.Channel != channel {
			return false
		}
		var p protocol.UpdatePayload
		if env.ParsePayload(&p) != nil || !pred(p) {
			return false
		}
		out = p
		return true
	})
	return out
}
