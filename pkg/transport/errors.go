package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrEndpointNotFound indicates the requested endpoint is not enumerated.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrNotConnected indicates the adapter has no live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrUnsupported indicates a message cannot be carried by the target
	// packet format.
	ErrUnsupported = errors.New("unsupported message")
)

// EnumerationError is returned when the OS enumeration call fails.
type EnumerationError struct {
	Kind      Kind
	Direction string
	Err       error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("%s: list %s: %v", e.Kind, e.Direction, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// ConnectError is returned when an endpoint is missing or cannot be opened.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ForwardError reports a per-message failure. The connection stays open.
type ForwardError struct {
	Op  string
	Err error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %s: %v", e.Op, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }
