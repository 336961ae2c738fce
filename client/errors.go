package client

import (
	"errors"

	"remoting/transport"
)

var (
	// ErrClientDisconnected is returned when the connection died and will not come back,
	// or a call timed out on a connection confirmed dead.
	ErrClientDisconnected = errors.New("remoting: client disconnected")
	// ErrCallTimeout is returned when no response arrived in time on a live connection.
	ErrCallTimeout = errors.New("remoting: call timed out")
	// ErrPoolExhausted is returned when no pooled connection became free within BorrowTimeout.
	ErrPoolExhausted = transport.ErrPoolExhausted
	// ErrClosed is returned by calls on a closed facade.
	ErrClosed = errors.New("remoting: facade closed")
	// ErrStatefulRequired is returned when subscribing to events in pool mode.
	ErrStatefulRequired = errors.New("remoting: event subscriptions require stateful mode")
)

// RemotingError reports that the target method failed on the server. Message holds the
// cause's type name and message; stack traces never cross the network.
type RemotingError struct {
	Method  string
	Message string
}

func (e *RemotingError) Error() string {
	return "remoting: " + e.Method + ": " + e.Message
}
