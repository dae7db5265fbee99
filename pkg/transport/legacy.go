package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2/drivers"
)

// Legacy is the byte-stream Adapter built on a gomidi driver. Endpoint IDs
// are the driver's port numbers.
type Legacy struct {
	drv drivers.Driver
	log *slog.Logger

	mu   sync.Mutex
	conn *legacyConn
}

type legacyConn struct {
	info  Connection
	in    drivers.In
	out   drivers.Out
	stop  func()
	notes activeNotes
	h     Handler
}

// NewLegacy wraps an already constructed gomidi driver.
func NewLegacy(drv drivers.Driver, log *slog.Logger) *Legacy {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Legacy{drv: drv, log: log}
}

// Kind implements Adapter.
func (a *Legacy) Kind() Kind { return KindLegacy }

// ListInputs implements Adapter.
func (a *Legacy) ListInputs() ([]Endpoint, error) {
	ins, err := a.drv.Ins()
	if err != nil {
		return nil, &EnumerationError{Kind: KindLegacy, Direction: "inputs", Err: err}
	}
	eps := make([]Endpoint, 0, len(ins))
	for _, in := range ins {
		eps = append(eps, legacyEndpoint(in))
	}
	return eps, nil
}

// ListOutputs implements Adapter.
func (a *Legacy) ListOutputs() ([]Endpoint, error) {
	outs, err := a.drv.Outs()
	if err != nil {
		return nil, &EnumerationError{Kind: KindLegacy, Direction: "outputs", Err: err}
	}
	eps := make([]Endpoint, 0, len(outs))
	for _, out := range outs {
		eps = append(eps, legacyEndpoint(out))
	}
	return eps, nil
}

func legacyEndpoint(p drivers.Port) Endpoint {
	return Endpoint{
		ID:     strconv.Itoa(p.Number()),
		Index:  p.Number(),
		Name:   p.String(),
		Kind:   KindLegacy,
		Format: FormatBytes,
	}
}

// Connect implements Adapter.
func (a *Legacy) Connect(inID, outID string, h Handler) (*Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.closeConn(); err != nil {
		a.log.Warn("midi: closing previous connection failed", "err", err)
	}

	ins, err := a.drv.Ins()
	if err != nil {
		return nil, &ConnectError{Endpoint: inID, Err: &EnumerationError{Kind: KindLegacy, Direction: "inputs", Err: err}}
	}
	var in drivers.In
	for _, p := range ins {
		if strconv.Itoa(p.Number()) == inID {
			in = p
			break
		}
	}
	if in == nil {
		return nil, &ConnectError{Endpoint: inID, Err: ErrEndpointNotFound}
	}

	outs, err := a.drv.Outs()
	if err != nil {
		return nil, &ConnectError{Endpoint: outID, Err: &EnumerationError{Kind: KindLegacy, Direction: "outputs", Err: err}}
	}
	var out drivers.Out
	for _, p := range outs {
		if strconv.Itoa(p.Number()) == outID {
			out = p
			break
		}
	}
	if out == nil {
		return nil, &ConnectError{Endpoint: outID, Err: ErrEndpointNotFound}
	}

	if err := in.Open(); err != nil {
		return nil, &ConnectError{Endpoint: in.String(), Err: err}
	}
	if err := out.Open(); err != nil {
		_ = in.Close()
		return nil, &ConnectError{Endpoint: out.String(), Err: err}
	}

	c := &legacyConn{
		info: Connection{
			Input:    legacyEndpoint(in),
			Output:   legacyEndpoint(out),
			OpenedAt: time.Now(),
		},
		in:  in,
		out: out,
		h:   h,
	}

	stop, err := in.Listen(c.forward, drivers.ListenConfig{
		SysEx:       true,
		ActiveSense: true,
		TimeCode:    true,
		OnErr: func(listenErr error) {
			h.fail(&ForwardError{Op: "listen", Err: listenErr})
		},
	})
	if err != nil {
		_ = out.Close()
		_ = in.Close()
		return nil, &ConnectError{Endpoint: in.String(), Err: fmt.Errorf("listen: %w", err)}
	}
	c.stop = stop
	a.conn = c

	a.log.Info("midi: connected", "input", in.String(), "output", out.String())
	info := c.info
	return &info, nil
}

// forward runs on the driver's capture goroutine.
func (c *legacyConn) forward(msg []byte, _ int32) {
	now := time.Now()
	if err := c.out.Send(msg); err != nil {
		c.h.fail(&ForwardError{Op: "send", Err: err})
		return
	}
	c.notes.Apply(msg)
	c.h.deliver(msg, now)
}

// Disconnect implements Adapter.
func (a *Legacy) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeConn()
}

func (a *Legacy) closeConn() error {
	c := a.conn
	if c == nil {
		return nil
	}
	a.conn = nil

	if c.stop != nil {
		c.stop()
	}
	var errs []error
	for _, off := range c.notes.Release() {
		if err := c.out.Send(off); err != nil {
			errs = append(errs, fmt.Errorf("release note: %w", err))
			break
		}
	}
	if err := c.in.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", c.in.String(), err))
	}
	if err := c.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", c.out.String(), err))
	}
	a.log.Info("midi: connection closed", "input", c.info.Input.Name, "output", c.info.Output.Name)
	return errors.Join(errs...)
}

// Probe implements Adapter.
func (a *Legacy) Probe() error {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	if !c.in.IsOpen() {
		return fmt.Errorf("input %q no longer open", c.in.String())
	}
	if !c.out.IsOpen() {
		return fmt.Errorf("output %q no longer open", c.out.String())
	}
	if _, err := a.drv.Outs(); err != nil {
		return &EnumerationError{Kind: KindLegacy, Direction: "outputs", Err: err}
	}
	return nil
}

// Close implements Adapter.
func (a *Legacy) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.closeConn()
	return errors.Join(err, a.drv.Close())
}
