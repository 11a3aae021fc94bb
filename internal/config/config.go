// Package config loads MESH node configuration from environment
// variables, optionally overlaid by a YAML file (MESH_CONFIG).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all meshd configuration.
type Config struct {
	// Paths
	Home string `yaml:"home"` // state root; config/, state/, sessions/, logs/ live under it

	// HTTP surface
	Port     int    `yaml:"port"`      // webhook listen port
	BindAddr string `yaml:"bind_addr"` // listen address, default all interfaces

	// Envelope defaults
	DefaultTTL   time.Duration `yaml:"default_ttl"`   // envelope time-to-live
	ReplayWindow time.Duration `yaml:"replay_window"` // nonce acceptance window
	ClockSkew    time.Duration `yaml:"clock_skew"`    // tolerated future timestamp drift

	// Delivery
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
	MaxQueue       int           `yaml:"max_queue"` // dead-letter FIFO cap

	// Circuit breaker
	CircuitThreshold int           `yaml:"circuit_threshold"` // consecutive failures before open
	CircuitCooldown  time.Duration `yaml:"circuit_cooldown"`

	// Periodic tasks
	DrainInterval   time.Duration `yaml:"drain_interval"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SessionInterval time.Duration `yaml:"session_interval"` // session cleanup cadence
	SessionTTL      time.Duration `yaml:"session_ttl"`      // session inactivity expiry

	// Security policy
	AllowUnsigned bool `yaml:"allow_unsigned"` // accept unsigned envelopes from signing peers
	StrictEncrypt bool `yaml:"strict_encrypt"` // fail closed when encryption is unavailable

	// Host runtime dispatch
	HandlerCmd     string        `yaml:"handler_cmd"`     // external command invoked per request, empty disables
	HandlerTimeout time.Duration `yaml:"handler_timeout"` // per-invocation budget

	// Dashboard notification sink
	DashboardPort int `yaml:"dashboard_port"`

	// Notification sinks (optional)
	WebhookURL     string `yaml:"webhook_url"`
	WebhookHeaders string `yaml:"webhook_headers"` // comma-separated k=v pairs
	MQTTBroker     string `yaml:"mqtt_broker"`
	MQTTTopic      string `yaml:"mqtt_topic"`

	// Metrics
	MetricsTextfile string `yaml:"metrics_textfile"` // node_exporter textfile path, empty disables

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from environment variables with defaults.
// If MESH_CONFIG names a YAML file, its values override the environment.
func Load() (*Config, error) {
	home := envStr("MESH_HOME", defaultHome())
	cfg := &Config{
		Home:             home,
		Port:             envInt("MESH_PORT", 8900),
		BindAddr:         envStr("MESH_BIND_ADDR", ""),
		DefaultTTL:       envDuration("MESH_DEFAULT_TTL", 5*time.Minute),
		ReplayWindow:     envDuration("MESH_REPLAY_WINDOW", 5*time.Minute),
		ClockSkew:        envDuration("MESH_CLOCK_SKEW", time.Minute),
		ConnectTimeout:   envDuration("MESH_CONNECT_TIMEOUT", 10*time.Second),
		TotalTimeout:     envDuration("MESH_TOTAL_TIMEOUT", 30*time.Second),
		MaxQueue:         envInt("MESH_MAX_QUEUE", 100),
		CircuitThreshold: envInt("MESH_CIRCUIT_THRESHOLD", 3),
		CircuitCooldown:  envDuration("MESH_CIRCUIT_COOLDOWN", time.Minute),
		DrainInterval:    envDuration("MESH_DRAIN_INTERVAL", time.Minute),
		ProbeInterval:    envDuration("MESH_PROBE_INTERVAL", 5*time.Minute),
		SweepInterval:    envDuration("MESH_SWEEP_INTERVAL", time.Minute),
		SessionInterval:  envDuration("MESH_SESSION_INTERVAL", time.Hour),
		SessionTTL:       envDuration("MESH_SESSION_TTL", 24*time.Hour),
		AllowUnsigned:    envBool("MESH_ALLOW_UNSIGNED", false),
		StrictEncrypt:    envBool("MESH_STRICT_ENCRYPT", false),
		HandlerCmd:       envStr("MESH_HANDLER", ""),
		HandlerTimeout:   envDuration("MESH_HANDLER_TIMEOUT", 30*time.Second),
		DashboardPort:    envInt("MESH_DASHBOARD_PORT", 8880),
		WebhookURL:       envStr("MESH_WEBHOOK_URL", ""),
		WebhookHeaders:   envStr("MESH_WEBHOOK_HEADERS", ""),
		MQTTBroker:       envStr("MESH_MQTT_BROKER", ""),
		MQTTTopic:        envStr("MESH_MQTT_TOPIC", "mesh/events"),
		MetricsTextfile:  envStr("MESH_METRICS_TEXTFILE", ""),
		LogJSON:          envBool("MESH_LOG_JSON", true),
		LogLevel:         envStr("MESH_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("MESH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("MESH_PORT must be 1-65535, got %d", c.Port))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("MESH_DEFAULT_TTL must be > 0, got %s", c.DefaultTTL))
	}
	if c.ReplayWindow <= 0 {
		errs = append(errs, fmt.Errorf("MESH_REPLAY_WINDOW must be > 0, got %s", c.ReplayWindow))
	}
	if c.MaxQueue <= 0 {
		errs = append(errs, fmt.Errorf("MESH_MAX_QUEUE must be > 0, got %d", c.MaxQueue))
	}
	if c.CircuitThreshold <= 0 {
		errs = append(errs, fmt.Errorf("MESH_CIRCUIT_THRESHOLD must be > 0, got %d", c.CircuitThreshold))
	}
	if c.DrainInterval <= 0 {
		errs = append(errs, fmt.Errorf("MESH_DRAIN_INTERVAL must be > 0, got %s", c.DrainInterval))
	}
	return errors.Join(errs...)
}

// ConfigDir returns the directory holding the registry and key files.
func (c *Config) ConfigDir() string { return filepath.Join(c.Home, "config") }

// StateDir returns the directory holding the node state database.
func (c *Config) StateDir() string { return filepath.Join(c.Home, "state") }

// LogDir returns the directory holding audit and journal logs.
func (c *Config) LogDir() string { return filepath.Join(c.Home, "logs") }

func defaultHome() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".mesh")
	}
	return ".mesh"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
