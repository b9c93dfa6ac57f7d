// Package config loads meshlink configuration from TOML, YAML or JSON files
// with environment overrides, and hot-reloads the runtime-tunable knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport kinds.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// Config is the top-level meshlink configuration.
type Config struct {
	Transport TransportConfig `toml:"transport" json:"transport" yaml:"transport"`
	Session   SessionConfig   `toml:"session" json:"session" yaml:"session"`
	NodeDB    NodeDBConfig    `toml:"nodedb" json:"nodedb" yaml:"nodedb"`
	Gateway   GatewayConfig   `toml:"gateway" json:"gateway" yaml:"gateway"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Log       LogConfig       `toml:"log" json:"log" yaml:"log"`
}

// TransportConfig selects and addresses the radio link.
type TransportConfig struct {
	// Kind is "tcp" or "serial".
	Kind string `toml:"kind" json:"kind" yaml:"kind"`
	// Addr is host:port for tcp.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
	// Port is the serial device path.
	Port string `toml:"port" json:"port" yaml:"port"`
	Baud int    `toml:"baud" json:"baud" yaml:"baud"`
}

// SessionConfig holds session policy.
type SessionConfig struct {
	HistorySize              int    `toml:"history_size" json:"history_size" yaml:"history_size"`
	MaxEarlyPackets          int    `toml:"max_early_packets" json:"max_early_packets" yaml:"max_early_packets"`
	MaxHandshakeNodes        int    `toml:"max_handshake_nodes" json:"max_handshake_nodes" yaml:"max_handshake_nodes"`
	DefaultMessageTimeoutSec int    `toml:"default_message_timeout_sec" json:"default_message_timeout_sec" yaml:"default_message_timeout_sec"`
	DefaultDeviceSleepSec    int    `toml:"default_device_sleep_sec" json:"default_device_sleep_sec" yaml:"default_device_sleep_sec"`
	SleepGraceSec            int    `toml:"sleep_grace_sec" json:"sleep_grace_sec" yaml:"sleep_grace_sec"`
	SweepIntervalSec         int    `toml:"sweep_interval_sec" json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
	AppVersion               uint32 `toml:"app_version" json:"app_version" yaml:"app_version"`
	MinFirmware              string `toml:"min_firmware" json:"min_firmware" yaml:"min_firmware"`
	LatestFirmware           string `toml:"latest_firmware" json:"latest_firmware" yaml:"latest_firmware"`
}

// NodeDBConfig holds node database policy.
type NodeDBConfig struct {
	OnlineWindowSec int `toml:"online_window_sec" json:"online_window_sec" yaml:"online_window_sec"`
}

// GatewayConfig configures the HTTP surface and background loops.
type GatewayConfig struct {
	ListenAddr          string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	SnapshotIntervalSec int    `toml:"snapshot_interval_sec" json:"snapshot_interval_sec" yaml:"snapshot_interval_sec"`
}

// StorageConfig locates the snapshot database.
type StorageConfig struct {
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `toml:"level" json:"level" yaml:"level"`
	Development bool   `toml:"development" json:"development" yaml:"development"`
}

// DefaultConfig returns a configuration with every field set.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind: TransportTCP,
			Addr: "localhost:4403",
			Baud: 115200,
		},
		Session: SessionConfig{
			HistorySize:              100,
			MaxEarlyPackets:          128,
			MaxHandshakeNodes:        256,
			DefaultMessageTimeoutSec: 300,
			DefaultDeviceSleepSec:    300,
			SleepGraceSec:            30,
			SweepIntervalSec:         5,
		},
		NodeDB: NodeDBConfig{
			OnlineWindowSec: 900,
		},
		Gateway: GatewayConfig{
			ListenAddr:          "127.0.0.1:8080",
			SnapshotIntervalSec: 60,
		},
		Storage: StorageConfig{
			Path: "meshlink.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Clone returns a copy; Config holds no references.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// OnlineWindow is the recency window for CountOnline.
func (c *NodeDBConfig) OnlineWindow() time.Duration { return seconds(c.OnlineWindowSec) }

// DefaultMessageTimeout applies when the radio reports none.
func (c *SessionConfig) DefaultMessageTimeout() time.Duration {
	return seconds(c.DefaultMessageTimeoutSec)
}

// DefaultDeviceSleep applies when the radio's light-sleep interval is unknown.
func (c *SessionConfig) DefaultDeviceSleep() time.Duration { return seconds(c.DefaultDeviceSleepSec) }

// SleepGrace is added to the device sleep before giving up on a reconnect.
func (c *SessionConfig) SleepGrace() time.Duration { return seconds(c.SleepGraceSec) }

// SweepInterval is how often timed-out messages are failed.
func (c *SessionConfig) SweepInterval() time.Duration { return seconds(c.SweepIntervalSec) }

// SnapshotInterval is how often the gateway persists the session.
func (c *GatewayConfig) SnapshotInterval() time.Duration { return seconds(c.SnapshotIntervalSec) }

// ApplyEnvOverrides applies MESHLINK_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MESHLINK_TRANSPORT"); v != "" {
		c.Transport.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("MESHLINK_ADDR"); v != "" {
		c.Transport.Addr = v
	}
	if v := os.Getenv("MESHLINK_PORT"); v != "" {
		c.Transport.Port = v
	}
	if v := os.Getenv("MESHLINK_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.Baud = n
		}
	}
	if v := os.Getenv("MESHLINK_LISTEN_ADDR"); v != "" {
		c.Gateway.ListenAddr = v
	}
	if v := os.Getenv("MESHLINK_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("MESHLINK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors if any
// field is out of range.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Transport.Kind {
	case TransportTCP:
		if c.Transport.Addr == "" {
			add("transport.addr", "required for tcp transport")
		}
	case TransportSerial:
		if c.Transport.Port == "" {
			add("transport.port", "required for serial transport")
		}
		if c.Transport.Baud <= 0 {
			add("transport.baud", "must be positive, got %d", c.Transport.Baud)
		}
	default:
		add("transport.kind", "must be %q or %q, got %q", TransportTCP, TransportSerial, c.Transport.Kind)
	}

	positive := map[string]int{
		"session.history_size":                c.Session.HistorySize,
		"session.max_early_packets":           c.Session.MaxEarlyPackets,
		"session.max_handshake_nodes":         c.Session.MaxHandshakeNodes,
		"session.default_message_timeout_sec": c.Session.DefaultMessageTimeoutSec,
		"session.default_device_sleep_sec":    c.Session.DefaultDeviceSleepSec,
		"session.sweep_interval_sec":          c.Session.SweepIntervalSec,
		"nodedb.online_window_sec":            c.NodeDB.OnlineWindowSec,
		"gateway.snapshot_interval_sec":       c.Gateway.SnapshotIntervalSec,
	}
	for field, v := range positive {
		if v <= 0 {
			add(field, "must be positive, got %d", v)
		}
	}
	if c.Session.SleepGraceSec < 0 {
		add("session.sleep_grace_sec", "must not be negative, got %d", c.Session.SleepGraceSec)
	}
	if c.Gateway.ListenAddr == "" {
		add("gateway.listen_addr", "required")
	}
	if c.Storage.Path == "" {
		add("storage.path", "required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "unknown level %q", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
