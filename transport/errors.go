package transport

import "errors"

var (
	// ErrClosed is returned when using a connection or provisioner after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected is returned by Send while the connection is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrPoolExhausted is returned when no pooled connection became free within the borrow timeout.
	ErrPoolExhausted = errors.New("transport: connection pool exhausted")
)
