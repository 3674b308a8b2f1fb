// Package config loads fleet server and worker configuration from flags,
// FLEET_* environment variables, an optional YAML file and defaults, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/fleet"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// FLEET_WEBSOCKET_IDLE_TIMEOUT.
const EnvPrefix = "FLEET"

// Config holds the fleet server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Security  SecurityConfig  `mapstructure:"security"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"` // sqlite or memory
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type WebSocketConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MaxMessageRate      float64       `mapstructure:"max_message_rate"` // frames per second per worker
	MaxMessageSize      int64         `mapstructure:"max_message_size"`
}

type FleetConfig struct {
	MaxConcurrentWorkers int           `mapstructure:"max_concurrent_workers"`
	CommandTimeout       time.Duration `mapstructure:"command_timeout"`
	Channels             []string      `mapstructure:"channels"`
}

type SecurityConfig struct {
	AuthEnabled   bool   `mapstructure:"auth_enabled"`
	WorkerKeyHash string `mapstructure:"worker_key_hash"`
}

// LogConfig selects log level, format and optional rotated file output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console or json
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SetDefaults registers every server default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "fleet.db")
	v.SetDefault("store.retention", 7*24*time.Hour)

	v.SetDefault("websocket.heartbeat_interval", 15*time.Second)
	v.SetDefault("websocket.idle_timeout", 60*time.Second)
	v.SetDefault("websocket.health_check_interval", 10*time.Second)
	v.SetDefault("websocket.max_message_rate", 50.0)
	v.SetDefault("websocket.max_message_size", 64*1024)

	v.SetDefault("fleet.max_concurrent_workers", 50)
	v.SetDefault("fleet.command_timeout", 30*time.Second)
	v.SetDefault("fleet.channels", fleet.DefaultChannels)

	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.worker_key_hash", "")

	setLogDefaults(v)
}

func setLogDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// BindFlags adds the server flags to fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("listen", ":8080", "HTTP listen address")
	fs.String("store", "sqlite", "drone store driver (sqlite|memory)")
	fs.String("db", "fleet.db", "SQLite database path")
	fs.Duration("heartbeat-interval", 15*time.Second, "heartbeat interval advertised to workers")
	fs.Duration("idle-timeout", 60*time.Second, "evict workers silent for longer than this")
	fs.Int("max-workers", 50, "maximum concurrent worker sessions")
	fs.Bool("auth", false, "require X-Worker-Key on worker connections")
	addLogFlags(fs)

	return bindAll(v, fs, map[string]string{
		"server.listen":                "listen",
		"store.driver":                 "store",
		"store.path":                   "db",
		"websocket.heartbeat_interval": "heartbeat-interval",
		"websocket.idle_timeout":       "idle-timeout",
		"fleet.max_concurrent_workers": "max-workers",
		"security.auth_enabled":        "auth",
		"log.level":                    "log-level",
		"log.format":                   "log-format",
		"log.file":                     "log-file",
	})
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level (debug|info|warn|error)")
	fs.String("log-format", "console", "log format (console|json)")
	fs.String("log-file", "", "also write logs to this file, rotated by size")
}

func bindAll(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// NewViper returns a viper instance reading FLEET_* environment variables
// and, if file is set, that YAML config file.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
	}
	return v
}

// Load reads the server configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	if err := readFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	ws := c.WebSocket
	switch {
	case ws.HeartbeatInterval < time.Second || ws.HeartbeatInterval > 300*time.Second:
		return errors.New("websocket.heartbeat_interval must be between 1s and 300s")
	case ws.IdleTimeout < 10*time.Second || ws.IdleTimeout > 600*time.Second:
		return errors.New("websocket.idle_timeout must be between 10s and 600s")
	case ws.IdleTimeout <= ws.HeartbeatInterval:
		return errors.New("websocket.idle_timeout must exceed websocket.heartbeat_interval")
	case ws.HealthCheckInterval < time.Second || ws.HealthCheckInterval > 60*time.Second:
		return errors.New("websocket.health_check_interval must be between 1s and 60s")
	case ws.MaxMessageRate <= 0:
		return errors.New("websocket.max_message_rate must be positive")
	case ws.MaxMessageSize < 1024:
		return errors.New("websocket.max_message_size must be at least 1024 bytes")
	}

	if n := c.Fleet.MaxConcurrentWorkers; n < 1 || n > 1000 {
		return errors.New("fleet.max_concurrent_workers must be between 1 and 1000")
	}
	if c.Fleet.CommandTimeout < time.Second {
		return errors.New("fleet.command_timeout must be at least 1s")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Security.AuthEnabled && c.Security.WorkerKeyHash == "" {
		return errors.New("security.worker_key_hash is required when auth is enabled")
	}
	return c.Log.validate()
}

func (l LogConfig) validate() error {
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", l.Format)
	}
	return nil
}

// FleetSettings converts the configuration into coordinator settings.
func (c *Config) FleetSettings() fleet.Settings {
	channels := c.Fleet.Channels
	if len(channels) == 0 {
		channels = fleet.DefaultChannels
	}
	return fleet.Settings{
		HeartbeatInterval:    c.WebSocket.HeartbeatInterval,
		IdleTimeout:          c.WebSocket.IdleTimeout,
		HealthCheckInterval:  c.WebSocket.HealthCheckInterval,
		MaxConcurrentWorkers: c.Fleet.MaxConcurrentWorkers,
		CommandTimeout:       c.Fleet.CommandTimeout,
		Channels:             append([]string(nil), channels...),
	}
}
