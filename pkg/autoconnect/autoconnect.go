// Package autoconnect reconnects the previously selected pair at startup and
// when devices appear, with a bounded number of attempts.
package autoconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chase3718/midirelay/pkg/cache"
	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/transport"
)

// Defaults for Config.
const (
	DefaultRetryInterval = 30 * time.Second
	DefaultMaxAttempts   = 3
)

// ErrExhausted is returned when every attempt failed to find or open the
// pair.
var ErrExhausted = errors.New("auto-connect attempts exhausted")

// Outcome is how a run ended.
type Outcome int

const (
	// Skipped means the run did not start: disabled, nothing stored,
	// already running or cancelled.
	Skipped Outcome = iota
	Connected
	Cancelled
	Exhausted
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Connected:
		return "connected"
	case Cancelled:
		return "cancelled"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome by name in JSON.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Selection is the pair the user last connected.
type Selection struct {
	InputName  string
	OutputName string
	// InputID and OutputID are the identifiers recorded at that time. They
	// are compared only for transports whose IDs can drift; empty means
	// unknown.
	InputID  string
	OutputID string
}

// Devices is the view of the endpoint cache the coordinator needs.
type Devices interface {
	Cached() cache.Snapshot
	ManualRefresh() (cache.Snapshot, error)
}

// Config configures a Coordinator.
type Config struct {
	Enabled   func() bool
	Selection func() Selection
	Devices   Devices
	// StableIDs reports whether endpoint IDs survive device list changes.
	StableIDs bool
	// Connect opens the pair; it is the same path a user connect takes.
	Connect func(ctx context.Context, inID, outID string) error
	// Busy reports whether a connection is already live; a busy relay is
	// never auto-connected.
	Busy          func() bool
	RetryInterval time.Duration
	MaxAttempts   int
	Bus           *events.Bus
	Logger        *slog.Logger
	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time
}

// Coordinator runs at most one auto-connect loop at a time. Cancel is sticky:
// once the user has interacted with device selection, automation stays off.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	wake chan struct{}

	// connectMu is held from the last cancel check through Connect, so
	// Cancel returns only after an in-flight connect has finished.
	connectMu sync.Mutex

	mu        sync.Mutex
	running   bool
	cancelled bool
	cancelCh  chan struct{}
	done      chan struct{}
	baseCtx   context.Context
	attempts  int
	last      Outcome
}

// New creates an idle Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.Enabled == nil {
		cfg.Enabled = func() bool { return true }
	}
	if cfg.Busy == nil {
		cfg.Busy = func() bool { return false }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{cfg: cfg, log: log, wake: make(chan struct{}, 1)}
}

// Start runs the loop in the background. It returns false if a loop is
// already running or the coordinator was cancelled.
func (c *Coordinator) Start(ctx context.Context) bool {
	cancel, ok := c.begin(ctx)
	if !ok {
		return false
	}
	go func() {
		out, err := c.loop(ctx, cancel)
		c.end(out)
		if err != nil && !errors.Is(err, ErrExhausted) && !errors.Is(err, context.Canceled) {
			c.log.Warn("autoconnect: stopped", "err", err)
		}
	}()
	return true
}

// Run runs the loop on the calling goroutine.
func (c *Coordinator) Run(ctx context.Context) (Outcome, error) {
	cancel, ok := c.begin(ctx)
	if !ok {
		if c.Cancelled() {
			return Cancelled, nil
		}
		return Skipped, nil
	}
	out, err := c.loop(ctx, cancel)
	c.end(out)
	return out, err
}

// Cancel stops a running loop before its next connect and keeps the
// coordinator from starting again. When it returns, no automatic connect is
// in progress and none will follow.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if !c.cancelled {
		c.cancelled = true
		if c.cancelCh != nil {
			close(c.cancelCh)
		}
		c.log.Debug("autoconnect: cancelled by user")
	}
	c.mu.Unlock()

	c.connectMu.Lock()
	c.connectMu.Unlock() //nolint:staticcheck // waits out an in-flight connect
}

// Wait blocks until the running loop, if any, has ended.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Cancelled reports whether Cancel was called.
func (c *Coordinator) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Running reports whether a loop is in progress.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Attempts returns the number of attempts made by the current or last run.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Last returns the outcome of the last finished run.
func (c *Coordinator) Last() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// NotifyDevicesChanged wakes a waiting loop for an immediate attempt, or
// starts a new loop if the coordinator is idle, was started before, and has
// not been cancelled.
func (c *Coordinator) NotifyDevicesChanged() {
	c.mu.Lock()
	running, cancelled, ctx := c.running, c.cancelled, c.baseCtx
	c.mu.Unlock()

	if running {
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return
	}
	if cancelled || ctx == nil || ctx.Err() != nil || c.cfg.Busy() {
		return
	}
	c.Start(ctx)
}

func (c *Coordinator) begin(ctx context.Context) (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.cancelled {
		return nil, false
	}
	c.running = true
	c.attempts = 0
	c.cancelCh = make(chan struct{})
	c.done = make(chan struct{})
	c.baseCtx = ctx
	// Drop a wake-up left over from a previous run.
	select {
	case <-c.wake:
	default:
	}
	return c.cancelCh, true
}

func (c *Coordinator) end(out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.cancelCh = nil
	c.last = out
	close(c.done)
}

func (c *Coordinator) loop(ctx context.Context, cancel <-chan struct{}) (Outcome, error) {
	sel := c.selection()
	if !c.cfg.Enabled() || sel.InputName == "" || sel.OutputName == "" {
		return Skipped, nil
	}
	if c.cfg.Busy() {
		return Skipped, nil
	}

	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		ok, cancelled := c.try(ctx, cancel, sel, attempt)
		if cancelled {
			return Cancelled, nil
		}
		if ok {
			return Connected, nil
		}
		if attempt >= c.cfg.MaxAttempts {
			c.log.Warn("autoconnect: giving up", "input", sel.InputName, "output", sel.OutputName, "attempt", attempt)
			if c.cfg.Bus != nil {
				c.cfg.Bus.Publish(events.Event{Type: events.AutoConnectExhausted, Attempt: attempt, Err: ErrExhausted})
			}
			return Exhausted, ErrExhausted
		}

		select {
		case <-cancel:
			return Cancelled, nil
		case <-ctx.Done():
			return Cancelled, ctx.Err()
		default:
		}
		select {
		case <-cancel:
			return Cancelled, nil
		case <-ctx.Done():
			return Cancelled, ctx.Err()
		case <-c.wake:
		case <-c.cfg.After(c.cfg.RetryInterval):
		}
		select {
		case <-cancel:
			return Cancelled, nil
		default:
		}
	}
}

// try makes one attempt and reports whether the pair was connected, or
// whether the user cancelled before the connect.
func (c *Coordinator) try(ctx context.Context, cancel <-chan struct{}, sel Selection, attempt int) (ok, cancelled bool) {
	if c.cfg.Busy() {
		return true, false
	}
	var snap cache.Snapshot
	if attempt == 1 {
		snap = c.cfg.Devices.Cached()
	} else {
		var err error
		// ManualRefresh keeps the last good snapshot on failure.
		snap, err = c.cfg.Devices.ManualRefresh()
		if err != nil {
			c.log.Debug("autoconnect: refresh failed", "attempt", attempt, "err", err)
		}
	}

	in, okIn := byName(snap.Inputs, sel.InputName)
	out, okOut := byName(snap.Outputs, sel.OutputName)
	if !okIn || !okOut {
		c.log.Info("autoconnect: stored devices not present", "input", sel.InputName, "output", sel.OutputName, "attempt", attempt)
		return false, false
	}
	if attempt == 1 && !c.cfg.StableIDs && drifted(sel, in.ID, out.ID) {
		c.log.Info("autoconnect: device positions changed, deferring", "input", sel.InputName, "output", sel.OutputName)
		return false, false
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	select {
	case <-cancel:
		c.log.Debug("autoconnect: cancelled before connect", "attempt", attempt)
		return false, true
	default:
	}
	if err := c.cfg.Connect(ctx, in.ID, out.ID); err != nil {
		c.log.Warn("autoconnect: connect failed", "input", sel.InputName, "output", sel.OutputName, "attempt", attempt, "err", err)
		return false, false
	}
	c.log.Info("autoconnect: connected", "input", sel.InputName, "output", sel.OutputName, "attempt", attempt)
	return true, false
}

func (c *Coordinator) selection() Selection {
	if c.cfg.Selection == nil {
		return Selection{}
	}
	return c.cfg.Selection()
}

func drifted(sel Selection, inID, outID string) bool {
	return (sel.InputID != "" && sel.InputID != inID) || (sel.OutputID != "" && sel.OutputID != outID)
}

func byName(eps []transport.Endpoint, name string) (transport.Endpoint, bool) {
	for _, ep := range eps {
		if ep.Name == name {
			return ep, true
		}
	}
	return transport.Endpoint{}, false
}
