package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// PortInfo describes one device offered by a PacketBackend. Every port is
// both an input and an output endpoint with the same ID.
type PortInfo struct {
	ID     string
	Name   string
	Path   string
	Format Format
}

// PacketPort is an open device handle of the modern transport. Read may
// return (0, nil) when its read timeout expires.
type PacketPort interface {
	io.ReadWriteCloser
	Probe() error
}

// PacketBackend enumerates and opens devices for the Modern adapter.
type PacketBackend interface {
	Ports() ([]PortInfo, error)
	Open(info PortInfo) (PacketPort, error)
}

// Modern is the packet Adapter. Endpoint IDs are stable device keys and each
// endpoint reports its native packet format; messages are transcoded between
// the input's and the output's formats.
type Modern struct {
	backend PacketBackend
	log     *slog.Logger

	mu   sync.Mutex
	conn *modernConn
}

type modernConn struct {
	info   Connection
	in     PacketPort
	out    PacketPort
	shared bool
	h      Handler
	notes  activeNotes
	stop   chan struct{}
	done   chan struct{}
}

// NewModern returns a Modern adapter over backend.
func NewModern(backend PacketBackend, log *slog.Logger) *Modern {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Modern{backend: backend, log: log}
}

// Kind implements Adapter.
func (a *Modern) Kind() Kind { return KindModern }

// ListInputs implements Adapter.
func (a *Modern) ListInputs() ([]Endpoint, error) {
	return a.list("inputs")
}

// ListOutputs implements Adapter.
func (a *Modern) ListOutputs() ([]Endpoint, error) {
	return a.list("outputs")
}

func (a *Modern) list(direction string) ([]Endpoint, error) {
	ports, err := a.backend.Ports()
	if err != nil {
		return nil, &EnumerationError{Kind: KindModern, Direction: direction, Err: err}
	}
	eps := make([]Endpoint, 0, len(ports))
	for _, p := range ports {
		eps = append(eps, modernEndpoint(p))
	}
	return eps, nil
}

func modernEndpoint(p PortInfo) Endpoint {
	return Endpoint{
		ID:     p.ID,
		Index:  -1,
		Name:   p.Name,
		Kind:   KindModern,
		Format: p.Format,
	}
}

// Connect implements Adapter. When inID and outID name the same device its
// port is opened once and used in both directions.
func (a *Modern) Connect(inID, outID string, h Handler) (*Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.closeConn(); err != nil {
		a.log.Warn("midi: closing previous connection failed", "err", err)
	}

	ports, err := a.backend.Ports()
	if err != nil {
		return nil, &ConnectError{Endpoint: inID, Err: &EnumerationError{Kind: KindModern, Direction: "inputs", Err: err}}
	}
	inInfo, ok := findPort(ports, inID)
	if !ok {
		return nil, &ConnectError{Endpoint: inID, Err: ErrEndpointNotFound}
	}
	outInfo, ok := findPort(ports, outID)
	if !ok {
		return nil, &ConnectError{Endpoint: outID, Err: ErrEndpointNotFound}
	}

	in, err := a.backend.Open(inInfo)
	if err != nil {
		return nil, &ConnectError{Endpoint: inInfo.Name, Err: err}
	}
	out := in
	shared := inID == outID
	if !shared {
		out, err = a.backend.Open(outInfo)
		if err != nil {
			_ = in.Close()
			return nil, &ConnectError{Endpoint: outInfo.Name, Err: err}
		}
	}

	c := &modernConn{
		info: Connection{
			Input:    modernEndpoint(inInfo),
			Output:   modernEndpoint(outInfo),
			OpenedAt: time.Now(),
		},
		in:     in,
		out:    out,
		shared: shared,
		h:      h,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	a.conn = c
	go c.readLoop(a.log)

	a.log.Info("midi: connected",
		"input", inInfo.Name,
		"output", outInfo.Name,
		"input_format", inInfo.Format,
		"output_format", outInfo.Format,
	)
	info := c.info
	return &info, nil
}

func findPort(ports []PortInfo, id string) (PortInfo, bool) {
	for _, p := range ports {
		if p.ID == id {
			return p, true
		}
	}
	return PortInfo{}, false
}

// readLoop is the capture goroutine of a modern connection.
func (c *modernConn) readLoop(log *slog.Logger) {
	defer close(c.done)

	dec := newPacketDecoder(c.info.Input.Format)
	fail := func(err error) { c.h.fail(&ForwardError{Op: "decode", Err: err}) }
	buf := make([]byte, 512)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		n, err := c.in.Read(buf)
		if n > 0 {
			now := time.Now()
			dec.Feed(buf[:n], func(msg []byte) { c.forward(msg, now) }, fail)
		}
		if err != nil {
			select {
			case <-c.stop:
			default:
				log.Warn("midi: input read failed", "device", c.info.Input.Name, "err", err)
				c.h.fail(&ForwardError{Op: "read", Err: err})
			}
			return
		}
	}
}

func (c *modernConn) forward(msg []byte, at time.Time) {
	pkt, err := encodePacket(c.info.Output.Format, msg)
	if err != nil {
		c.h.fail(&ForwardError{Op: "encode", Err: err})
		return
	}
	if _, err := c.out.Write(pkt); err != nil {
		c.h.fail(&ForwardError{Op: "write", Err: err})
		return
	}
	c.notes.Apply(msg)
	c.h.deliver(msg, at)
}

// Disconnect implements Adapter.
func (a *Modern) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeConn()
}

func (a *Modern) closeConn() error {
	c := a.conn
	if c == nil {
		return nil
	}
	a.conn = nil

	var errs []error
	close(c.stop)
	if !c.shared {
		if err := c.in.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.info.Input.Name, err))
		}
	}
	<-c.done

	for _, off := range c.notes.Release() {
		pkt, err := encodePacket(c.info.Output.Format, off)
		if err == nil {
			_, err = c.out.Write(pkt)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("release note: %w", err))
			break
		}
	}
	if err := c.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", c.info.Output.Name, err))
	}
	a.log.Info("midi: connection closed", "input", c.info.Input.Name, "output", c.info.Output.Name)
	return errors.Join(errs...)
}

// Probe implements Adapter.
func (a *Modern) Probe() error {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return fmt.Errorf("input %q stopped reading", c.info.Input.Name)
	default:
	}
	if err := c.in.Probe(); err != nil {
		return fmt.Errorf("probe %s: %w", c.info.Input.Name, err)
	}
	if !c.shared {
		if err := c.out.Probe(); err != nil {
			return fmt.Errorf("probe %s: %w", c.info.Output.Name, err)
		}
	}
	return nil
}

// Close implements Adapter.
func (a *Modern) Close() error {
	return a.Disconnect()
}
