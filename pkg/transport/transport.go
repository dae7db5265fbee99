// Package transport abstracts the two MIDI transports the relay can drive.
//
// The legacy transport is a byte-stream API (gomidi drivers, rtmidi in
// production) whose endpoint identifiers are the driver's positional port
// numbers; they are only meaningful within one enumeration. The modern
// transport is a packet API over USB/serial devices whose identifiers are
// derived from the hardware and stay stable across enumerations.
//
// Both variants implement Adapter. An Adapter owns at most one live
// Connection. While connected, each inbound message is written to the output
// synchronously on the capture goroutine and only then reported to the
// Handler; nothing is queued on that path.
package transport

import (
	"fmt"
	"log/slog"
	"time"
)

// Kind identifies which transport produced an endpoint.
type Kind int

const (
	// KindLegacy is the byte-stream transport with positional identifiers.
	KindLegacy Kind = iota
	// KindModern is the packet transport with stable identifiers.
	KindModern
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindModern:
		return "modern"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// StableIDs reports whether endpoint identifiers of this kind survive changes
// to the OS device list.
func (k Kind) StableIDs() bool {
	return k == KindModern
}

// Format is the native packet format of an endpoint.
type Format int

const (
	// FormatBytes is the MIDI 1.0 byte stream.
	FormatBytes Format = iota
	// FormatUMP is a stream of 32-bit Universal MIDI Packets.
	FormatUMP
)

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatBytes:
		return "bytes"
	case FormatUMP:
		return "ump"
	default:
		return "unknown"
	}
}

// MarshalText renders the format by name in JSON.
func (f Format) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Endpoint is an addressable MIDI input or output. Endpoints are recreated on
// every enumeration and never mutated afterwards.
type Endpoint struct {
	// ID is the decimal port number for legacy endpoints and a stable key for
	// modern ones.
	ID string `json:"id"`
	// Index is the positional port number; -1 for modern endpoints.
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Format   Format `json:"format"`
	Wireless bool   `json:"wireless"`
}

// Same reports whether e and o carry the same identifier and display name.
func (e Endpoint) Same(o Endpoint) bool {
	return e.ID == o.ID && e.Name == o.Name
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s [%s]", e.Name, e.ID)
}

// Connection describes the live input/output pair of an Adapter.
type Connection struct {
	Input    Endpoint
	Output   Endpoint
	OpenedAt time.Time
}

// Event is a message that has already been forwarded to the output.
type Event struct {
	Raw     []byte
	Message Message
	Time    time.Time
}

// Handler receives notifications from the capture goroutine. Both callbacks
// are optional and must return quickly.
type Handler struct {
	OnMessage      func(Event)
	OnForwardError func(error)

	// Log, if set, reports panics recovered from the callbacks.
	Log *slog.Logger
}

// Adapter is implemented by both transport variants. All methods are safe for
// concurrent use.
type Adapter interface {
	// Kind returns the transport variant.
	Kind() Kind

	// ListInputs enumerates input endpoints in OS order.
	ListInputs() ([]Endpoint, error)

	// ListOutputs enumerates output endpoints in OS order.
	ListOutputs() ([]Endpoint, error)

	// Connect opens inID and outID and starts forwarding. Any existing
	// connection is closed first. On failure nothing stays open.
	Connect(inID, outID string, h Handler) (*Connection, error)

	// Disconnect closes the live connection. It is a no-op when nothing is
	// connected.
	Disconnect() error

	// Probe performs a transport-level liveness check of the live
	// connection.
	Probe() error

	// Close disconnects and releases the underlying driver.
	Close() error
}

func (h Handler) deliver(raw []byte, at time.Time) {
	if h.OnMessage == nil {
		return
	}
	msg := make([]byte, len(raw))
	copy(msg, raw)
	defer h.recoverInto("deliver")
	h.OnMessage(Event{Raw: msg, Message: Decode(msg), Time: at})
}

func (h Handler) fail(err error) {
	if h.OnForwardError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && h.Log != nil {
			h.Log.Warn("midi: forward error handler panicked", "err", err, "panic", r)
		}
	}()
	h.OnForwardError(err)
}

// recoverInto keeps a panicking callback from unwinding into the driver's
// capture goroutine.
func (h Handler) recoverInto(op string) {
	if r := recover(); r != nil {
		if h.Log != nil {
			h.Log.Warn("midi: message handler panicked", "op", op, "panic", r)
		}
		h.fail(&ForwardError{Op: op, Err: fmt.Errorf("handler panic: %v", r)})
	}
}
