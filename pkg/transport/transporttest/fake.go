// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chase3718/midirelay/pkg/transport"
)

// Adapter is a scriptable transport.Adapter. The zero value is not usable;
// call New.
type Adapter struct {
	kind transport.Kind

	mu          sync.Mutex
	inputs      []transport.Endpoint
	outputs     []transport.Endpoint
	listErr     error
	connectErr  error
	probeErr    error
	conn        *transport.Connection
	handler     transport.Handler
	forwarded   [][]byte
	listCalls   int
	connects    int
	disconnects int
	closed      bool
}

// New returns an empty fake of the given kind.
func New(kind transport.Kind) *Adapter {
	return &Adapter{kind: kind}
}

// Endpoints builds endpoints of kind from names. Legacy endpoints get
// positional IDs; modern endpoints get "id-<name>".
func Endpoints(kind transport.Kind, names ...string) []transport.Endpoint {
	eps := make([]transport.Endpoint, 0, len(names))
	for i, n := range names {
		ep := transport.Endpoint{Name: n, Kind: kind, Index: i, ID: strconv.Itoa(i)}
		if kind == transport.KindModern {
			ep.Index = -1
			ep.ID = "id-" + n
		}
		eps = append(eps, ep)
	}
	return eps
}

// SetEndpoints replaces the enumerated inputs and outputs.
func (a *Adapter) SetEndpoints(inputs, outputs []transport.Endpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputs = append([]transport.Endpoint(nil), inputs...)
	a.outputs = append([]transport.Endpoint(nil), outputs...)
}

// SetListError makes enumeration fail with err (nil clears it).
func (a *Adapter) SetListError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listErr = err
}

// SetConnectError makes Connect fail with err (nil clears it).
func (a *Adapter) SetConnectError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// SetProbeError makes Probe fail with err (nil clears it).
func (a *Adapter) SetProbeError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probeErr = err
}

// Kind implements transport.Adapter.
func (a *Adapter) Kind() transport.Kind { return a.kind }

// ListInputs implements transport.Adapter.
func (a *Adapter) ListInputs() ([]transport.Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, &transport.EnumerationError{Kind: a.kind, Direction: "inputs", Err: a.listErr}
	}
	return append([]transport.Endpoint(nil), a.inputs...), nil
}

// ListOutputs implements transport.Adapter.
func (a *Adapter) ListOutputs() ([]transport.Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, &transport.EnumerationError{Kind: a.kind, Direction: "outputs", Err: a.listErr}
	}
	return append([]transport.Endpoint(nil), a.outputs...), nil
}

// Connect implements transport.Adapter.
func (a *Adapter) Connect(inID, outID string, h transport.Handler) (*transport.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	a.conn = nil
	if a.connectErr != nil {
		return nil, &transport.ConnectError{Endpoint: inID, Err: a.connectErr}
	}
	in, ok := find(a.inputs, inID)
	if !ok {
		return nil, &transport.ConnectError{Endpoint: inID, Err: transport.ErrEndpointNotFound}
	}
	out, ok := find(a.outputs, outID)
	if !ok {
		return nil, &transport.ConnectError{Endpoint: outID, Err: transport.ErrEndpointNotFound}
	}
	a.conn = &transport.Connection{Input: in, Output: out, OpenedAt: time.Now()}
	a.handler = h
	c := *a.conn
	return &c, nil
}

func find(eps []transport.Endpoint, id string) (transport.Endpoint, bool) {
	for _, ep := range eps {
		if ep.ID == id {
			return ep, true
		}
	}
	return transport.Endpoint{}, false
}

// Disconnect implements transport.Adapter.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.disconnects++
	}
	a.conn = nil
	a.handler = transport.Handler{}
	return nil
}

// Probe implements transport.Adapter.
func (a *Adapter) Probe() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return transport.ErrNotConnected
	}
	return a.probeErr
}

// Close implements transport.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = nil
	a.closed = true
	return nil
}

// Emit simulates an inbound message on the live connection: it is recorded as
// forwarded and then handed to the handler on the calling goroutine.
func (a *Adapter) Emit(raw []byte) error {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return fmt.Errorf("emit: %w", transport.ErrNotConnected)
	}
	h := a.handler
	a.forwarded = append(a.forwarded, append([]byte(nil), raw...))
	a.mu.Unlock()

	if h.OnMessage != nil {
		h.OnMessage(transport.Event{Raw: raw, Message: transport.Decode(raw), Time: time.Now()})
	}
	return nil
}

// EmitError simulates a per-message forwarding failure.
func (a *Adapter) EmitError(err error) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h.OnForwardError != nil {
		h.OnForwardError(&transport.ForwardError{Op: "send", Err: err})
	}
}

// Connection returns the live connection, if any.
func (a *Adapter) Connection() (transport.Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return transport.Connection{}, false
	}
	return *a.conn, true
}

// Forwarded returns every message emitted while connected.
func (a *Adapter) Forwarded() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.forwarded...)
}

// ListCalls returns how many times ListInputs was called.
func (a *Adapter) ListCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}

// Connects returns how many times Connect was called.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Disconnects returns how many live connections were closed by Disconnect.
func (a *Adapter) Disconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects
}

// Closed reports whether Close was called.
func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
