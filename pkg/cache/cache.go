// Package cache keeps the last known endpoint lists and watches them for
// changes.
package cache

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chase3718/midirelay/pkg/classify"
	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/metrics"
	"github.com/chase3718/midirelay/pkg/transport"
)

const (
	// DefaultInterval is the poll interval while idle.
	DefaultInterval = time.Second
	// FastInterval is the poll interval while the user is picking devices.
	FastInterval = 33 * time.Millisecond
)

// Snapshot is one enumeration of both directions, in OS order.
type Snapshot struct {
	Inputs     []transport.Endpoint `json:"inputs"`
	Outputs    []transport.Endpoint `json:"outputs"`
	CapturedAt time.Time            `json:"captured_at"`
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Inputs:     append([]transport.Endpoint(nil), s.Inputs...),
		Outputs:    append([]transport.Endpoint(nil), s.Outputs...),
		CapturedAt: s.CapturedAt,
	}
}

// Config configures a Cache.
type Config struct {
	Adapter transport.Adapter
	// Bus receives DevicesChanged; nil disables publishing.
	Bus *events.Bus
	// Exclusions returns the names that are always classified as wired.
	Exclusions func() []string
	Interval   time.Duration
	Logger     *slog.Logger
}

// Cache stores the latest Snapshot. Cached never performs I/O; ManualRefresh
// and the auto-refresh worker are the only callers of the adapter.
type Cache struct {
	cfg Config
	log *slog.Logger

	// enumMu serializes enumeration and diffing.
	enumMu sync.Mutex

	mu   sync.RWMutex
	snap Snapshot

	interval atomic.Int64

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	reset  chan struct{}
}

// New creates a Cache with an empty snapshot.
func New(cfg Config) *Cache {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Exclusions == nil {
		cfg.Exclusions = func() []string { return nil }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	c := &Cache{cfg: cfg, log: log, reset: make(chan struct{}, 1)}
	c.interval.Store(int64(cfg.Interval))
	return c
}

// Cached returns a copy of the last snapshot.
func (c *Cache) Cached() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.clone()
}

// ManualRefresh enumerates both directions and replaces the snapshot
// unconditionally. On failure the previous snapshot is kept and returned
// together with the error.
func (c *Cache) ManualRefresh() (Snapshot, error) {
	c.enumMu.Lock()
	defer c.enumMu.Unlock()

	next, err := c.enumerate()
	if err != nil {
		return c.Cached(), err
	}
	c.store(next)
	return next.clone(), nil
}

// Poll runs one auto-refresh cycle: enumerate, diff against the stored
// snapshot and, only if something differs, replace it and publish a single
// DevicesChanged.
func (c *Cache) Poll() (changed bool, err error) {
	return c.poll(nil)
}

// poll is Poll for the worker. A publish blocked on a full bus gives up when
// stop closes; the previous snapshot is put back so the change is reported
// by a later poll.
func (c *Cache) poll(stop <-chan struct{}) (changed bool, err error) {
	c.enumMu.Lock()
	defer c.enumMu.Unlock()

	next, err := c.enumerate()
	if err != nil {
		return false, err
	}
	prev := c.Cached()
	if sameList(prev.Inputs, next.Inputs) && sameList(prev.Outputs, next.Outputs) {
		return false, nil
	}
	c.store(next)
	if c.cfg.Bus != nil {
		cp := next.clone()
		if !c.cfg.Bus.PublishUntil(events.Endpoints(cp.Inputs, cp.Outputs), stop) {
			c.store(prev)
			c.log.Debug("cache: devices changed event not delivered")
			return false, nil
		}
	}
	metrics.DevicesChanged.Inc()
	c.log.Info("cache: devices changed", "inputs", len(next.Inputs), "outputs", len(next.Outputs))
	return true, nil
}

func (c *Cache) store(s Snapshot) {
	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
	metrics.SetEndpoints(len(s.Inputs), len(s.Outputs))
}

func (c *Cache) enumerate() (Snapshot, error) {
	ins, err := c.cfg.Adapter.ListInputs()
	if err != nil {
		metrics.EnumerationErrors.Inc()
		c.log.Warn("cache: list inputs failed", "err", err)
		return Snapshot{}, err
	}
	outs, err := c.cfg.Adapter.ListOutputs()
	if err != nil {
		metrics.EnumerationErrors.Inc()
		c.log.Warn("cache: list outputs failed", "err", err)
		return Snapshot{}, err
	}
	excl := c.cfg.Exclusions()
	classifyAll(ins, excl)
	classifyAll(outs, excl)
	return Snapshot{Inputs: ins, Outputs: outs, CapturedAt: time.Now()}, nil
}

func classifyAll(eps []transport.Endpoint, exclusions []string) {
	for i := range eps {
		eps[i].Wireless = classify.Wireless(eps[i].Name, exclusions)
	}
}

// sameList compares two ordered lists by (ID, Name) pairs.
func sameList(a, b []transport.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Same(b[i]) {
			return false
		}
	}
	return true
}

// InputIDByName returns the ID of the first cached input named name.
func (c *Cache) InputIDByName(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return idByName(c.snap.Inputs, name)
}

// OutputIDByName returns the ID of the first cached output named name.
func (c *Cache) OutputIDByName(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return idByName(c.snap.Outputs, name)
}

// InputNameByID returns the name of the cached input with the given ID.
func (c *Cache) InputNameByID(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return nameByID(c.snap.Inputs, id)
}

// OutputNameByID returns the name of the cached output with the given ID.
func (c *Cache) OutputNameByID(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return nameByID(c.snap.Outputs, id)
}

func idByName(eps []transport.Endpoint, name string) (string, bool) {
	for _, ep := range eps {
		if ep.Name == name {
			return ep.ID, true
		}
	}
	return "", false
}

func nameByID(eps []transport.Endpoint, id string) (string, bool) {
	for _, ep := range eps {
		if ep.ID == id {
			return ep.Name, true
		}
	}
	return "", false
}

// Interval returns the current poll interval.
func (c *Cache) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// SetInterval changes the poll interval. A running worker picks it up
// immediately.
func (c *Cache) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	if time.Duration(c.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case c.reset <- struct{}{}:
	default:
	}
}

// StartAutoRefresh starts the poll worker. It is a no-op if the worker is
// already running.
func (c *Cache) StartAutoRefresh() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)
	c.log.Debug("cache: auto-refresh started", "interval", c.Interval())
}

// StopAutoRefresh stops the poll worker and waits for an in-flight poll to
// finish. An in-flight poll never waits on the bus once stop is closed, so
// this is safe to call while the bus dispatcher is busy.
func (c *Cache) StopAutoRefresh() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop, c.done = nil, nil
	c.log.Debug("cache: auto-refresh stopped")
}

// AutoRefreshing reports whether the poll worker is running.
func (c *Cache) AutoRefreshing() bool {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	return c.stop != nil
}

func (c *Cache) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(c.Interval())
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.reset:
			t.Reset(c.Interval())
		case <-t.C:
			// Errors are logged by enumerate; the snapshot is kept.
			_, _ = c.poll(stop)
		}
	}
}
