package main

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/chase3718/midirelay/pkg/config"
	"github.com/chase3718/midirelay/pkg/transport"
)

// flagValues holds command-line settings. Only flags the user actually set
// override the file and environment.
type flagValues struct {
	transport   string
	serialBaud  int
	serialPorts []string
	debug       bool

	autoConnect       bool
	retryInterval     int
	retryAttempts     int
	heartbeat         time.Duration
	messageTimeout    time.Duration
	reconnectAttempts int
	reconnectInterval time.Duration
	listen            string
	exclusions        []string
}

var flags flagValues

func init() {
	d := config.NewConfig()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.transport, "transport", d.Transport, "MIDI transport: auto, modern or legacy")
	pf.IntVar(&flags.serialBaud, "serial-baud", d.SerialBaud, "baud rate for serial MIDI ports")
	pf.StringSliceVar(&flags.serialPorts, "serial-port", nil, "extra serial device path (repeatable)")
	pf.StringSliceVar(&flags.exclusions, "wired", nil, "device name never shown as wireless (repeatable)")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging (adds source location)")
}

// applyFlags copies changed flags onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("transport") {
		cfg.Transport = flags.transport
	}
	if changed("serial-baud") {
		cfg.SerialBaud = flags.serialBaud
	}
	if changed("serial-port") {
		cfg.SerialPorts = flags.serialPorts
	}
	if changed("wired") {
		cfg.WiredExclusions = flags.exclusions
	}
	if changed("debug") {
		cfg.Debug = flags.debug
	}
	if changed("auto-connect") {
		cfg.AutoConnect = flags.autoConnect
	}
	if changed("retry-interval") {
		cfg.RetryIntervalSeconds = flags.retryInterval
	}
	if changed("retry-attempts") {
		cfg.RetryAttempts = flags.retryAttempts
	}
	if changed("heartbeat") {
		cfg.HeartbeatInterval = flags.heartbeat
	}
	if changed("message-timeout") {
		cfg.MessageTimeout = flags.messageTimeout
	}
	if changed("reconnect-attempts") {
		cfg.ReconnectAttempts = flags.reconnectAttempts
	}
	if changed("reconnect-interval") {
		cfg.ReconnectInterval = flags.reconnectInterval
	}
	if changed("listen") {
		cfg.Listen = flags.listen
	}
}

// loadSettings resolves defaults, the config file, MIDIRELAY_* variables
// and flags, in that order.
func loadSettings(cmd *cobra.Command) (*config.Store, *config.Config, *slog.Logger, error) {
	log := newLogger(os.Stderr, flags.debug)

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	store := config.Open(path, log)

	cfg := store.Get()
	cfg.LoadFromEnv()
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	if cfg.Debug && !flags.debug {
		log = newLogger(os.Stderr, true)
	}

	// Exclusions are read from the store while running.
	if !slices.Equal(cfg.WiredExclusions, store.Exclusions()) {
		store.SetExclusions(cfg.WiredExclusions)
	}
	log.Debug("configuration", "path", store.Path(), "config", cfg.String())
	return store, cfg, log, nil
}

func openAdapter(cfg *config.Config, log *slog.Logger) (transport.Adapter, error) {
	pref, err := transport.ParsePreference(cfg.Transport)
	if err != nil {
		return nil, err
	}
	adapter, err := transport.Open(transport.Options{
		Preference:  pref,
		SerialBaud:  cfg.SerialBaud,
		SerialPorts: cfg.SerialPorts,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open MIDI transport: %w", err)
	}
	return adapter, nil
}
