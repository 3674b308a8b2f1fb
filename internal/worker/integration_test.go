package worker_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/config"
	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/server"
	"github.com/DevSkoll/drone-fleet-manager/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, mutate func(*config.Config)) (*server.Server, string) {
	t.Helper()
	cfg := &config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		WebSocket: config.WebSocketConfig{
			HeartbeatInterval:   100 * time.Millisecond,
			IdleTimeout:         500 * time.Millisecond,
			HealthCheckInterval: 50 * time.Millisecond,
			MaxMessageRate:      1000,
			MaxMessageSize:      64 * 1024,
		},
		Fleet: config.FleetConfig{MaxConcurrentWorkers: 10, CommandTimeout: 5 * time.Second},
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv := server.New(cfg, drone.NewMemoryStore(), nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/fleet"
}

func startWorker(t *testing.T, cfg *config.Worker) *worker.Worker {
	t.Helper()
	w := worker.New(cfg, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		_ = w.Run()
		close(done)
	}()
	t.Cleanup(func() {
		w.Shutdown()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return w
}

func workerConfig(url string) *config.Worker {
	return &config.Worker{
		URL:               url,
		WorkerID:          "sim-1",
		DroneID:           "d1",
		SerialNumber:      "SIM-d1",
		Capabilities:      []string{"telemetry"},
		TelemetryInterval: 100 * time.Millisecond,
	}
}

func TestWorkerRegistersAndStaysAlive(t *testing.T) {
	srv, url := startServer(t, nil)
	w := startWorker(t, workerConfig(url))

	require.Eventually(t, w.IsRegistered, 3*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, w.SessionID())

	coord := srv.Coordinator()
	require.Eventually(t, func() bool {
		d, err := coord.Drone("d1")
		return err == nil && d.BatteryLevel != nil && d.Latitude != nil
	}, 3*time.Second, 20*time.Millisecond)

	// several idle timeouts pass; heartbeats and telemetry keep it registered
	time.Sleep(1200 * time.Millisecond)
	assert.True(t, coord.Sessions().HasSession("d1"))
	d, err := coord.Drone("d1")
	require.NoError(t, err)
	assert.Equal(t, drone.StatusActive, d.Status)
}

func TestWorkerAcknowledgesCommands(t *testing.T) {
	srv, url := startServer(t, nil)
	w := startWorker(t, workerConfig(url))
	require.Eventually(t, w.IsRegistered, 3*time.Second, 20*time.Millisecond)

	cmds := srv.Coordinator().Commands()
	id, err := cmds.SendCommand("d1", "TAKEOFF", map[string]any{"altitude": 15.0})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !cmds.IsPending(id) }, 3*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, w.CommandsAcked())
}

func TestWorkerWithKey(t *testing.T) {
	hash, err := server.HashKey("hunter2")
	require.NoError(t, err)
	_, url := startServer(t, func(c *config.Config) {
		c.Security.AuthEnabled = true
		c.Security.WorkerKeyHash = hash
	})

	cfg := workerConfig(url)
	cfg.Key = "hunter2"
	w := startWorker(t, cfg)
	assert.Eventually(t, w.IsRegistered, 3*time.Second, 20*time.Millisecond)
}
