package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Worker holds the simulated worker configuration.
type Worker struct {
	URL               string        `mapstructure:"url"` // ws:// or wss:// endpoint of /ws/fleet
	Key               string        `mapstructure:"key"`
	WorkerID          string        `mapstructure:"worker_id"`
	DroneID           string        `mapstructure:"drone_id"`
	SerialNumber      string        `mapstructure:"serial_number"`
	FirmwareVersion   string        `mapstructure:"firmware_version"`
	Capabilities      []string      `mapstructure:"capabilities"`
	TelemetryInterval time.Duration `mapstructure:"telemetry_interval"`
	Log               LogConfig     `mapstructure:"log"`
}

// BindWorkerFlags adds the worker flags to fs and binds them to v.
func BindWorkerFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("url", "ws://localhost:8080/ws/fleet", "fleet server WebSocket URL")
	fs.String("key", "", "shared worker key")
	fs.String("worker-id", "", "worker id (default: hostname)")
	fs.String("drone-id", "", "drone id to register")
	fs.String("serial", "", "drone serial number")
	fs.Duration("telemetry-interval", 2*time.Second, "synthetic telemetry period")
	addLogFlags(fs)

	return bindAll(v, fs, map[string]string{
		"url":                "url",
		"key":                "key",
		"worker_id":          "worker-id",
		"drone_id":           "drone-id",
		"serial_number":      "serial",
		"telemetry_interval": "telemetry-interval",
		"log.level":          "log-level",
		"log.format":         "log-format",
		"log.file":           "log-file",
	})
}

// LoadWorker reads the worker configuration from v.
func LoadWorker(v *viper.Viper) (*Worker, error) {
	hostname, _ := os.Hostname()
	v.SetDefault("url", "ws://localhost:8080/ws/fleet")
	v.SetDefault("worker_id", hostname)
	v.SetDefault("firmware_version", "sim-1.0")
	v.SetDefault("capabilities", []string{"telemetry", "commands"})
	v.SetDefault("telemetry_interval", 2*time.Second)
	setLogDefaults(v)

	if err := readFile(v); err != nil {
		return nil, err
	}
	var w Worker
	if err := v.Unmarshal(&w); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if w.SerialNumber == "" {
		w.SerialNumber = "SIM-" + w.DroneID
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks that the worker can connect and register.
func (w *Worker) Validate() error {
	if !strings.HasPrefix(w.URL, "ws://") && !strings.HasPrefix(w.URL, "wss://") {
		return errors.New("url must start with ws:// or wss://")
	}
	if w.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	if w.DroneID == "" {
		return errors.New("drone_id is required")
	}
	if w.TelemetryInterval < 100*time.Millisecond {
		return errors.New("telemetry_interval must be at least 100ms")
	}
	return w.Log.validate()
}
