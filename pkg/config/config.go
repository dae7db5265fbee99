// Package config holds midirelay settings.
//
// Settings come from, in increasing precedence: defaults, the YAML file at
// $XDG_CONFIG_HOME/midirelay/config.yaml, MIDIRELAY_* environment variables
// and command-line flags. The file also remembers the last connected pair.
//
// Environment variables:
//   - MIDIRELAY_TRANSPORT: auto, modern or legacy
//   - MIDIRELAY_SERIAL_BAUD: baud rate for serial MIDI ports
//   - MIDIRELAY_SERIAL_PORTS: comma-separated extra serial device paths
//   - MIDIRELAY_AUTO_CONNECT: reconnect the last pair at startup
//   - MIDIRELAY_RETRY_INTERVAL: seconds between auto-connect attempts
//   - MIDIRELAY_RETRY_ATTEMPTS: auto-connect attempts before giving up
//   - MIDIRELAY_HEARTBEAT_INTERVAL: e.g. "3s"
//   - MIDIRELAY_MESSAGE_TIMEOUT: silence before the transport is probed
//   - MIDIRELAY_WIRED_EXCLUSIONS: comma-separated names never shown as wireless
//   - MIDIRELAY_LISTEN: API address, "off" disables the API
//   - MIDIRELAY_DEBUG: debug logging
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chase3718/midirelay/pkg/classify"
	"github.com/chase3718/midirelay/pkg/transport"
)

// ListenOff disables the HTTP API.
const ListenOff = "off"

// Config holds every setting. The yaml tags are the on-disk keys.
type Config struct {
	// Last connected pair.
	InputName  string `yaml:"input_name,omitempty"`
	OutputName string `yaml:"output_name,omitempty"`
	InputID    string `yaml:"input_id,omitempty"`
	OutputID   string `yaml:"output_id,omitempty"`

	AutoConnect          bool     `yaml:"auto_connect"`
	RetryIntervalSeconds int      `yaml:"retry_interval_seconds"`
	RetryAttempts        int      `yaml:"retry_attempts"`
	WiredExclusions      []string `yaml:"wired_exclusions,omitempty"`

	Transport   string   `yaml:"transport"`
	SerialBaud  int      `yaml:"serial_baud"`
	SerialPorts []string `yaml:"serial_ports,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MessageTimeout    time.Duration `yaml:"message_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	Listen string `yaml:"listen"`
	Debug  bool   `yaml:"debug"`
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	return &Config{
		AutoConnect:          true,
		RetryIntervalSeconds: 30,
		RetryAttempts:        3,
		Transport:            string(transport.PreferAuto),
		SerialBaud:           transport.DefaultSerialBaud,
		HeartbeatInterval:    3 * time.Second,
		MessageTimeout:       10 * time.Second,
		ReconnectAttempts:    5,
		ReconnectInterval:    time.Second,
		Listen:               "127.0.0.1:7400",
	}
}

// RetryInterval returns the auto-connect retry interval.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// Normalize dedupes the exclusion list and replaces out-of-range values with
// defaults. It never fails.
func (c *Config) Normalize() {
	d := NewConfig()
	c.WiredExclusions = classify.DedupeExclusions(c.WiredExclusions)
	if c.RetryIntervalSeconds <= 0 {
		c.RetryIntervalSeconds = d.RetryIntervalSeconds
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.SerialBaud <= 0 {
		c.SerialBaud = d.SerialBaud
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if _, err := transport.ParsePreference(c.Transport); err != nil {
		c.Transport = d.Transport
	}
}

// Validate checks values given on the command line, where a typo should
// fail loudly rather than fall back.
func (c *Config) Validate() error {
	if _, err := transport.ParsePreference(c.Transport); err != nil {
		return err
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("serial baud must be positive, got %d", c.SerialBaud)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.RetryAttempts)
	}
	if c.RetryIntervalSeconds <= 0 {
		return fmt.Errorf("retry interval must be positive, got %d", c.RetryIntervalSeconds)
	}
	if c.HeartbeatInterval < 100*time.Millisecond {
		return fmt.Errorf("heartbeat interval too short: %s", c.HeartbeatInterval)
	}
	if c.MessageTimeout < c.HeartbeatInterval {
		return fmt.Errorf("message timeout %s is shorter than the heartbeat interval %s", c.MessageTimeout, c.HeartbeatInterval)
	}
	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("reconnect attempts must be positive, got %d", c.ReconnectAttempts)
	}
	return nil
}

// LoadFromEnv overrides fields from MIDIRELAY_* variables. Invalid values
// are ignored.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("MIDIRELAY_TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("MIDIRELAY_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SerialBaud = n
		}
	}
	if v := os.Getenv("MIDIRELAY_SERIAL_PORTS"); v != "" {
		c.SerialPorts = splitList(v)
	}
	if v := os.Getenv("MIDIRELAY_AUTO_CONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoConnect = b
		}
	}
	if v := os.Getenv("MIDIRELAY_RETRY_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryIntervalSeconds = n
		}
	}
	if v := os.Getenv("MIDIRELAY_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryAttempts = n
		}
	}
	if v := os.Getenv("MIDIRELAY_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("MIDIRELAY_MESSAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MessageTimeout = d
		}
	}
	if v := os.Getenv("MIDIRELAY_WIRED_EXCLUSIONS"); v != "" {
		c.WiredExclusions = classify.DedupeExclusions(splitList(v))
	}
	if v := os.Getenv("MIDIRELAY_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("MIDIRELAY_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.WiredExclusions = append([]string(nil), c.WiredExclusions...)
	cp.SerialPorts = append([]string(nil), c.SerialPorts...)
	return &cp
}

// String returns a one-line summary for logging.
func (c *Config) String() string {
	pair := "[none]"
	if c.InputName != "" || c.OutputName != "" {
		pair = fmt.Sprintf("%q -> %q", c.InputName, c.OutputName)
	}
	return fmt.Sprintf(
		"Config{Transport: %s, Pair: %s, AutoConnect: %v, Retry: %ds x%d, Heartbeat: %s, Listen: %s}",
		c.Transport, pair, c.AutoConnect, c.RetryIntervalSeconds, c.RetryAttempts, c.HeartbeatInterval, c.Listen,
	)
}
