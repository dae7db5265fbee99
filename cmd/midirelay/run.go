package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chase3718/midirelay/pkg/api"
	"github.com/chase3718/midirelay/pkg/config"
	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/relay"
)

var (
	runInput   string
	runOutput  string
	runMonitor bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long: `Run the relay until interrupted.

On start the relay lists MIDI endpoints and, if auto-connect is enabled,
reconnects the last remembered input/output pair. Lost devices are
reconnected automatically. Unless --listen is "off", an HTTP API serves
status, device lists, connect/disconnect and a WebSocket event stream.

Examples:
  # remembered pair, API on the default address
  midirelay run

  # explicit pair, no API
  midirelay run --input "Keystation 49" --output "Synth" --listen off

  # log every forwarded message
  midirelay run --monitor --debug`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}
)

func init() {
	d := config.NewConfig()
	f := runCmd.Flags()
	f.StringVar(&runInput, "input", "", "input endpoint name to connect at startup")
	f.StringVar(&runOutput, "output", "", "output endpoint name to connect at startup")
	f.BoolVar(&runMonitor, "monitor", false, "log every forwarded message")
	f.BoolVar(&flags.autoConnect, "auto-connect", d.AutoConnect, "reconnect the remembered pair at startup")
	f.IntVar(&flags.retryInterval, "retry-interval", d.RetryIntervalSeconds, "seconds between auto-connect attempts")
	f.IntVar(&flags.retryAttempts, "retry-attempts", d.RetryAttempts, "auto-connect attempts before giving up")
	f.DurationVar(&flags.heartbeat, "heartbeat", d.HeartbeatInterval, "connection health check interval")
	f.DurationVar(&flags.messageTimeout, "message-timeout", d.MessageTimeout, "silence before the transport is probed")
	f.IntVar(&flags.reconnectAttempts, "reconnect-attempts", d.ReconnectAttempts, "reconnect attempts after a device is lost")
	f.DurationVar(&flags.reconnectInterval, "reconnect-interval", d.ReconnectInterval, "wait between reconnect attempts")
	f.StringVar(&flags.listen, "listen", d.Listen, `HTTP API address, "off" to disable`)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	if (runInput == "") != (runOutput == "") {
		return errors.New("--input and --output must be given together")
	}
	store, cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	log.Info("starting midirelay", "version", version, "config", store.Path())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := openAdapter(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := adapter.Close(); closeErr != nil {
			log.Error("failed to close transport", "error", closeErr)
		}
	}()

	srv := api.New(log)
	presenters := relay.Presenters{relay.LogPresenter{Log: log}}
	serveAPI := cfg.Listen != "" && cfg.Listen != config.ListenOff
	if serveAPI {
		presenters = append(presenters, srv)
	}

	ctl := relay.New(relay.Config{
		Adapter:   adapter,
		Store:     store,
		Settings:  cfg,
		Presenter: presenters,
		Logger:    log,
	})
	defer ctl.Close()

	if runMonitor {
		unsub := ctl.Bus().Subscribe(monitor(log))
		defer unsub()
	}

	ctl.Start(ctx)

	if runInput != "" {
		if err := ctl.ConnectByName(ctx, runInput, runOutput); err != nil {
			log.Warn("startup connect failed", "input", runInput, "output", runOutput, "error", err)
		}
	}

	errc := make(chan error, 1)
	if serveAPI {
		go func() { errc <- srv.Serve(ctx, cfg.Listen, ctl) }()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		if serveAPI {
			if err := <-errc; err != nil {
				log.Error("api server", "error", err)
			}
		}
		return nil
	case err := <-errc:
		return fmt.Errorf("api server: %w", err)
	}
}

// monitor logs forwarded messages the way a MIDI monitor would.
func monitor(log *slog.Logger) func(events.Event) {
	return func(e events.Event) {
		if e.Type != events.Message || e.Message == nil {
			return
		}
		log.Info("midi", "event", e.Message.String())
	}
}
