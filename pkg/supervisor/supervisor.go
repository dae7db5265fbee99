// Package supervisor owns the live connection: it opens it, watches it with a
// heartbeat and brings it back after a transient loss.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/metrics"
	"github.com/chase3718/midirelay/pkg/transport"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultMessageTimeout    = 10 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectInterval = time.Second
)

// ErrReconnectExhausted is reported when a lost pair did not come back.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// HeartbeatLossError describes why the heartbeat declared the connection lost.
type HeartbeatLossError struct {
	Endpoint string
	Reason   string
	Err      error
}

func (e *HeartbeatLossError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("heartbeat: %s %s: %v", e.Endpoint, e.Reason, e.Err)
	}
	return fmt.Sprintf("heartbeat: %s %s", e.Endpoint, e.Reason)
}

func (e *HeartbeatLossError) Unwrap() error { return e.Err }

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	LossDetected
	Reconnecting
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case LossDetected:
		return "loss_detected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// HeartbeatState is reset on every successful (re)connect.
type HeartbeatState struct {
	LastMessage       time.Time `json:"last_message"`
	Misses            int       `json:"misses"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

// Config configures a Supervisor. Zero durations and counts take the
// defaults.
type Config struct {
	Adapter           transport.Adapter
	Bus               *events.Bus
	HeartbeatInterval time.Duration
	MessageTimeout    time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration
	Logger            *slog.Logger
}

type selection struct {
	inID, outID     string
	inName, outName string
}

// Supervisor runs at most one connection. Heartbeat and reconnection share a
// single worker goroutine per connection so they never overlap.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex

	mu    sync.Mutex
	state State
	sel   selection
	conn  *transport.Connection
	stats HeartbeatState
	stop  chan struct{}
	done  chan struct{}

	lastMsg atomic.Int64
}

// New creates an idle Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{cfg: cfg, log: log}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connection returns the live pair while connected.
func (s *Supervisor) Connection() (transport.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state != Connected {
		return transport.Connection{}, false
	}
	return *s.conn, true
}

// Stats returns the heartbeat bookkeeping of the current connection.
func (s *Supervisor) Stats() HeartbeatState {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	if ns := s.lastMsg.Load(); ns != 0 {
		st.LastMessage = time.Unix(0, ns)
	}
	return st
}

// Connect records the selection, opens the pair and starts the heartbeat. A
// live connection is closed first.
func (s *Supervisor) Connect(ctx context.Context, inID, outID string) (*transport.Connection, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.disconnect()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.setState(Connecting)
	conn, err := s.cfg.Adapter.Connect(inID, outID, s.handler())
	if err != nil {
		s.setState(Disconnected)
		s.log.Warn("supervisor: connect failed", "input", inID, "output", outID, "err", err)
		return nil, err
	}

	s.mu.Lock()
	s.sel = selection{inID: inID, outID: outID, inName: conn.Input.Name, outName: conn.Output.Name}
	s.opened(conn)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	s.mu.Unlock()

	metrics.SetConnected(true)
	s.log.Info("supervisor: connected", "input", conn.Input.Name, "output", conn.Output.Name)
	s.publish(events.Pair(events.Connected, conn.Input, conn.Output))
	c := *conn
	return &c, nil
}

// opened stores a fresh connection. Callers hold s.mu.
func (s *Supervisor) opened(conn *transport.Connection) {
	s.conn = conn
	s.state = Connected
	s.stats = HeartbeatState{}
	s.lastMsg.Store(time.Now().UnixNano())
}

// Disconnect stops the heartbeat and closes the pair. It may be called from
// any goroutine except a Bus subscriber, and publishes exactly one
// Disconnected per connection.
func (s *Supervisor) Disconnect() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.disconnect()
}

func (s *Supervisor) disconnect() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.finish()
}

// finish moves to Disconnected, closing the pair. Only the first call after a
// connection publishes Disconnected.
func (s *Supervisor) finish() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.state = Disconnected
	s.conn = nil
	s.mu.Unlock()

	if err := s.cfg.Adapter.Disconnect(); err != nil {
		s.log.Warn("supervisor: close failed", "err", err)
	}
	metrics.SetConnected(false)
	ev := events.Event{Type: events.Disconnected}
	if conn != nil {
		ev = events.Pair(events.Disconnected, conn.Input, conn.Output)
	}
	s.log.Info("supervisor: disconnected")
	s.publish(ev)
}

func (s *Supervisor) handler() transport.Handler {
	return transport.Handler{
		OnMessage: func(e transport.Event) {
			s.lastMsg.Store(e.Time.UnixNano())
			metrics.MessagesForwarded.Inc()
			if s.cfg.Bus != nil && !s.cfg.Bus.TryPublish(events.Forwarded(e)) {
				metrics.EventsDropped.Inc()
			}
		},
		OnForwardError: func(err error) {
			metrics.ForwardErrors.Inc()
			s.log.Debug("supervisor: forward failed", "err", err)
			if s.cfg.Bus != nil && !s.cfg.Bus.TryPublish(events.Event{Type: events.ForwardError, Err: err}) {
				metrics.EventsDropped.Inc()
			}
		},
		Log: s.log,
	}
}

func (s *Supervisor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		err := s.check()
		if err == nil {
			continue
		}
		s.lose(err)
		if !s.reconnect(stop) {
			return
		}
		t.Reset(s.cfg.HeartbeatInterval)
	}
}

// check is one heartbeat tick.
func (s *Supervisor) check() error {
	s.mu.Lock()
	sel := s.sel
	s.mu.Unlock()

	ins, inErr := s.cfg.Adapter.ListInputs()
	outs, outErr := s.cfg.Adapter.ListOutputs()
	if err := errors.Join(inErr, outErr); err != nil {
		// A failed enumeration says nothing about the pair; the probe
		// below still runs.
		metrics.EnumerationErrors.Inc()
		s.log.Warn("supervisor: heartbeat enumeration failed", "err", err)
	} else {
		stable := s.cfg.Adapter.Kind().StableIDs()
		if _, ok := resolve(ins, sel.inID, sel.inName, stable); !ok {
			return &HeartbeatLossError{Endpoint: sel.inName, Reason: "disappeared"}
		}
		if _, ok := resolve(outs, sel.outID, sel.outName, stable); !ok {
			return &HeartbeatLossError{Endpoint: sel.outName, Reason: "disappeared"}
		}
	}

	idle := time.Since(time.Unix(0, s.lastMsg.Load())) > s.cfg.MessageTimeout
	s.mu.Lock()
	if idle {
		s.stats.Misses++
	} else {
		s.stats.Misses = 0
	}
	s.mu.Unlock()
	if !idle {
		return nil
	}
	if err := s.cfg.Adapter.Probe(); err != nil {
		return &HeartbeatLossError{Endpoint: sel.inName + " -> " + sel.outName, Reason: "probe failed", Err: err}
	}
	return nil
}

// resolve finds the endpoint for a recorded selection: by ID when IDs are
// stable, otherwise by name.
func resolve(eps []transport.Endpoint, id, name string, stable bool) (transport.Endpoint, bool) {
	for _, ep := range eps {
		if stable && ep.ID == id {
			return ep, true
		}
		if !stable && ep.Name == name {
			return ep, true
		}
	}
	return transport.Endpoint{}, false
}

// lose publishes the single DeviceLost for this loss and closes the handles.
func (s *Supervisor) lose(err error) {
	s.mu.Lock()
	s.state = LossDetected
	conn := s.conn
	s.mu.Unlock()

	metrics.DevicesLost.Inc()
	s.log.Warn("supervisor: device lost", "err", err)
	ev := events.Event{Type: events.DeviceLost, Err: err}
	if conn != nil {
		ev = events.Pair(events.DeviceLost, conn.Input, conn.Output)
		ev.Err = err
	}
	s.publish(ev)

	if cerr := s.cfg.Adapter.Disconnect(); cerr != nil {
		s.log.Debug("supervisor: close after loss failed", "err", cerr)
	}
	s.setState(Reconnecting)
}

// reconnect polls for the lost pair. It returns true once reconnected and
// false when stopped or exhausted.
func (s *Supervisor) reconnect(stop <-chan struct{}) bool {
	s.mu.Lock()
	sel := s.sel
	s.mu.Unlock()
	stable := s.cfg.Adapter.Kind().StableIDs()

	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		s.mu.Lock()
		s.stats.ReconnectAttempts = attempt
		s.mu.Unlock()
		s.publish(events.Event{Type: events.Reconnecting, Attempt: attempt})

		select {
		case <-stop:
			return false
		case <-time.After(s.cfg.ReconnectInterval):
		}

		ins, err := s.cfg.Adapter.ListInputs()
		if err != nil {
			s.log.Debug("supervisor: reconnect enumeration failed", "attempt", attempt, "err", err)
			continue
		}
		outs, err := s.cfg.Adapter.ListOutputs()
		if err != nil {
			s.log.Debug("supervisor: reconnect enumeration failed", "attempt", attempt, "err", err)
			continue
		}
		in, okIn := resolve(ins, sel.inID, sel.inName, stable)
		out, okOut := resolve(outs, sel.outID, sel.outName, stable)
		if !okIn || !okOut {
			s.log.Debug("supervisor: pair not back yet", "attempt", attempt)
			continue
		}

		conn, err := s.cfg.Adapter.Connect(in.ID, out.ID, s.handler())
		if err != nil {
			s.log.Warn("supervisor: reconnect failed", "attempt", attempt, "err", err)
			continue
		}
		s.mu.Lock()
		s.sel.inID, s.sel.outID = in.ID, out.ID
		s.opened(conn)
		s.mu.Unlock()

		metrics.Reconnects.WithLabelValues(metrics.ResultSuccess).Inc()
		s.log.Info("supervisor: reconnected", "input", conn.Input.Name, "output", conn.Output.Name, "attempt", attempt)
		s.publish(events.Pair(events.Reconnected, conn.Input, conn.Output))
		return true
	}

	metrics.Reconnects.WithLabelValues(metrics.ResultExhausted).Inc()
	s.log.Warn("supervisor: giving up", "input", sel.inName, "output", sel.outName, "attempts", s.cfg.ReconnectAttempts)
	s.publish(events.Event{Type: events.ReconnectExhausted, Err: ErrReconnectExhausted})
	s.finish()
	return false
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) publish(e events.Event) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(e)
	}
}
