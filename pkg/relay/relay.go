// Package relay wires the endpoint cache, the connection supervisor and the
// auto-connect coordinator together and turns user intents into operations
// on them.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chase3718/midirelay/pkg/autoconnect"
	"github.com/chase3718/midirelay/pkg/cache"
	"github.com/chase3718/midirelay/pkg/config"
	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/supervisor"
	"github.com/chase3718/midirelay/pkg/transport"
)

// Config configures a Controller.
type Config struct {
	Adapter transport.Adapter
	// Store persists the selection and exclusions.
	Store *config.Store
	// Settings are the effective runtime settings (file, env and flags).
	Settings  *config.Config
	Presenter Presenter
	Logger    *slog.Logger
}

// Status is a point-in-time view of the relay.
type Status struct {
	Transport   string                    `json:"transport"`
	State       supervisor.State          `json:"state"`
	Connection  *transport.Connection     `json:"connection,omitempty"`
	Heartbeat   supervisor.HeartbeatState `json:"heartbeat"`
	AutoConnect autoconnect.Outcome       `json:"auto_connect"`
	Inputs      int                       `json:"inputs"`
	Outputs     int                       `json:"outputs"`
}

// Controller is the relay's single entry point for user intents. Presenter
// calls happen on the event bus dispatcher only.
type Controller struct {
	adapter   transport.Adapter
	store     *config.Store
	settings  *config.Config
	presenter Presenter
	log       *slog.Logger

	bus   *events.Bus
	cache *cache.Cache
	sup   *supervisor.Supervisor
	auto  *autoconnect.Coordinator
	unsub func()

	// startPending defers the first auto-connect run until the presenter
	// has seen the initial device lists.
	startPending atomic.Bool
	startCtx     context.Context

	closeOnce sync.Once
}

// New builds the relay. Call Start to begin watching devices.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	settings := cfg.Settings
	if settings == nil {
		settings = cfg.Store.Get()
	}
	presenter := cfg.Presenter
	if presenter == nil {
		presenter = Presenters(nil)
	}

	c := &Controller{
		adapter:   cfg.Adapter,
		store:     cfg.Store,
		settings:  settings,
		presenter: presenter,
		log:       log,
		bus:       events.NewBus(0, log),
	}
	c.cache = cache.New(cache.Config{
		Adapter:    cfg.Adapter,
		Bus:        c.bus,
		Exclusions: cfg.Store.Exclusions,
		Logger:     log,
	})
	c.sup = supervisor.New(supervisor.Config{
		Adapter:           cfg.Adapter,
		Bus:               c.bus,
		HeartbeatInterval: settings.HeartbeatInterval,
		MessageTimeout:    settings.MessageTimeout,
		ReconnectAttempts: settings.ReconnectAttempts,
		ReconnectInterval: settings.ReconnectInterval,
		Logger:            log,
	})
	c.auto = autoconnect.New(autoconnect.Config{
		Enabled:       func() bool { return settings.AutoConnect },
		Selection:     c.storedSelection,
		Devices:       c.cache,
		StableIDs:     cfg.Adapter.Kind().StableIDs(),
		Connect:       c.connect,
		Busy:          func() bool { return c.sup.State() != supervisor.Disconnected },
		RetryInterval: settings.RetryInterval(),
		MaxAttempts:   settings.RetryAttempts,
		Bus:           c.bus,
		Logger:        log,
	})
	c.unsub = c.bus.Subscribe(c.onEvent)
	return c
}

// Bus returns the event bus for additional observers.
func (c *Controller) Bus() *events.Bus { return c.bus }

// Start enumerates devices, starts auto-refresh and, if enabled, the
// auto-connect coordinator.
func (c *Controller) Start(ctx context.Context) {
	snap, err := c.cache.ManualRefresh()
	if err != nil {
		c.bus.Publish(events.Logf(fmt.Sprintf("Could not list MIDI devices: %v", err)))
	}
	c.cache.StartAutoRefresh()
	c.startCtx = ctx
	c.startPending.Store(true)
	c.bus.Publish(events.Endpoints(snap.Inputs, snap.Outputs))
}

// Close disconnects and stops every worker. It returns after a running
// auto-connect loop has ended.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.auto.Cancel()
		c.auto.Wait()
		c.sup.Disconnect()
		c.bus.Close()
		c.unsub()
		c.cache.StopAutoRefresh()
	})
}

// Connect is the user's connect intent. It cancels auto-connect.
func (c *Controller) Connect(ctx context.Context, inID, outID string) error {
	c.auto.Cancel()
	return c.connect(ctx, inID, outID)
}

// ConnectByName resolves names against the cache and connects.
func (c *Controller) ConnectByName(ctx context.Context, inName, outName string) error {
	inID, ok := c.cache.InputIDByName(inName)
	if !ok {
		return &transport.ConnectError{Endpoint: inName, Err: transport.ErrEndpointNotFound}
	}
	outID, ok := c.cache.OutputIDByName(outName)
	if !ok {
		return &transport.ConnectError{Endpoint: outName, Err: transport.ErrEndpointNotFound}
	}
	return c.Connect(ctx, inID, outID)
}

// connect is shared by user and auto-connect. Auto-refresh is suspended
// while a connection is live.
func (c *Controller) connect(ctx context.Context, inID, outID string) error {
	c.cache.StopAutoRefresh()
	conn, err := c.sup.Connect(ctx, inID, outID)
	if err != nil {
		c.bus.Publish(events.Logf(fmt.Sprintf("Connect failed: %v", err)))
		c.cache.StartAutoRefresh()
		return err
	}
	// A Disconnected for a replaced pair may have resumed polling meanwhile.
	c.cache.StopAutoRefresh()
	c.store.SetSelection(conn.Input.Name, conn.Output.Name, conn.Input.ID, conn.Output.ID)
	return nil
}

// Disconnect is the user's disconnect intent.
func (c *Controller) Disconnect() {
	c.auto.Cancel()
	c.sup.Disconnect()
}

// Refresh re-enumerates devices and repopulates the presenter.
func (c *Controller) Refresh() (cache.Snapshot, error) {
	snap, err := c.cache.ManualRefresh()
	if err != nil {
		c.bus.Publish(events.Logf(fmt.Sprintf("Refresh failed: %v", err)))
		return snap, err
	}
	c.bus.Publish(events.Endpoints(snap.Inputs, snap.Outputs))
	return snap, nil
}

// SelectionChanged tells the relay the user is (or stopped) picking
// devices. Picking cancels auto-connect and speeds up polling.
func (c *Controller) SelectionChanged(selecting bool) {
	c.auto.Cancel()
	if selecting {
		c.cache.SetInterval(cache.FastInterval)
		return
	}
	c.cache.SetInterval(cache.DefaultInterval)
}

// SetExclusions replaces the wired-exclusion list and reclassifies.
func (c *Controller) SetExclusions(names []string) {
	c.store.SetExclusions(names)
	_, _ = c.Refresh()
}

// Devices returns the cached snapshot.
func (c *Controller) Devices() cache.Snapshot {
	return c.cache.Cached()
}

// AutoRefreshing reports whether the device poll is running.
func (c *Controller) AutoRefreshing() bool {
	return c.cache.AutoRefreshing()
}

// Status reports the current state.
func (c *Controller) Status() Status {
	snap := c.cache.Cached()
	st := Status{
		Transport:   c.adapter.Kind().String(),
		State:       c.sup.State(),
		Heartbeat:   c.sup.Stats(),
		AutoConnect: c.auto.Last(),
		Inputs:      len(snap.Inputs),
		Outputs:     len(snap.Outputs),
	}
	if conn, ok := c.sup.Connection(); ok {
		st.Connection = &conn
	}
	return st
}

func (c *Controller) storedSelection() autoconnect.Selection {
	cfg := c.store.Get()
	return autoconnect.Selection{
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		InputID:    cfg.InputID,
		OutputID:   cfg.OutputID,
	}
}

// onEvent runs on the bus dispatcher.
func (c *Controller) onEvent(e events.Event) {
	p := c.presenter
	switch e.Type {
	case events.DevicesChanged:
		p.DevicesChanged(e.Inputs, e.Outputs)
		if c.startPending.CompareAndSwap(true, false) {
			c.auto.Start(c.startCtx)
			return
		}
		c.auto.NotifyDevicesChanged()
	case events.Connected:
		p.SetConnectedState(true)
		p.LogMessage(fmt.Sprintf("Connected: %s -> %s", e.Input.Name, e.Output.Name))
	case events.Reconnected:
		p.SetConnectedState(true)
		p.LogMessage(fmt.Sprintf("Reconnected: %s -> %s", e.Input.Name, e.Output.Name))
	case events.DeviceLost:
		p.SetConnectedState(false)
		p.LogMessage("Device lost, trying to reconnect")
	case events.ReconnectExhausted:
		p.LogMessage("Could not reconnect. Select devices and connect again.")
	case events.AutoConnectExhausted:
		p.LogMessage(fmt.Sprintf("Auto-connect gave up after %d attempts", e.Attempt))
	case events.Disconnected:
		p.SetConnectedState(false)
		p.LogMessage("Disconnected")
		if c.sup.State() == supervisor.Disconnected {
			c.cache.StartAutoRefresh()
		}
	case events.Log:
		p.LogMessage(e.Text)
	case events.ForwardError:
		c.log.Debug("relay: forward error", "err", e.Err)
	}
}
