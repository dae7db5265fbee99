// Package events carries lifecycle notifications from the relay's workers to
// its observers.
package events

import (
	"encoding/json"
	"time"

	"github.com/chase3718/midirelay/pkg/transport"
)

// Type identifies an event.
type Type int

const (
	// DevicesChanged is published once per detected change of the endpoint
	// lists.
	DevicesChanged Type = iota
	// Connected is published after a user or auto-connect succeeds.
	Connected
	// Disconnected is published exactly once when a connection ends.
	Disconnected
	// DeviceLost is published exactly once per detected loss.
	DeviceLost
	// Reconnecting is published before each reconnect poll.
	Reconnecting
	// Reconnected is published when the original pair was reopened.
	Reconnected
	// ReconnectExhausted precedes Disconnected when the lost pair never came
	// back.
	ReconnectExhausted
	// AutoConnectExhausted is published when auto-connect gave up.
	AutoConnectExhausted
	// Message is a forwarded MIDI message.
	Message
	// ForwardError is a per-message failure on a live connection.
	ForwardError
	// Log is free text meant for the user.
	Log
)

var typeNames = [...]string{
	DevicesChanged:       "devices_changed",
	Connected:            "connected",
	Disconnected:         "disconnected",
	DeviceLost:           "device_lost",
	Reconnecting:         "reconnecting",
	Reconnected:          "reconnected",
	ReconnectExhausted:   "reconnect_exhausted",
	AutoConnectExhausted: "autoconnect_exhausted",
	Message:              "message",
	ForwardError:         "forward_error",
	Log:                  "log",
}

// String returns the string representation of the event type.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// MarshalText renders the type by name in JSON.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type    Type                 `json:"type"`
	Time    time.Time            `json:"time"`
	Input   *transport.Endpoint  `json:"input,omitempty"`
	Output  *transport.Endpoint  `json:"output,omitempty"`
	Inputs  []transport.Endpoint `json:"inputs,omitempty"`
	Outputs []transport.Endpoint `json:"outputs,omitempty"`
	Message *transport.Message   `json:"message,omitempty"`
	Attempt int                  `json:"attempt,omitempty"`
	Text    string               `json:"text,omitempty"`
	Err     error                `json:"-"`
}

// MarshalJSON adds the error text under "error".
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(e)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Endpoints builds a DevicesChanged event.
func Endpoints(inputs, outputs []transport.Endpoint) Event {
	return Event{Type: DevicesChanged, Inputs: inputs, Outputs: outputs}
}

// Pair builds an event about a connection pair.
func Pair(t Type, in, out transport.Endpoint) Event {
	return Event{Type: t, Input: &in, Output: &out}
}

// Forwarded builds a Message event from a transport event.
func Forwarded(te transport.Event) Event {
	m := te.Message
	return Event{Type: Message, Time: te.Time, Message: &m}
}

// Logf builds a Log event.
func Logf(text string) Event {
	return Event{Type: Log, Text: text}
}
