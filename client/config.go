package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"remoting/codec"
	"remoting/loadbalance"
	"remoting/registry"
)

// Mode selects how a facade provisions connections.
type Mode int

const (
	// ModePool borrows a pooled connection per call. Suited to stateless request/response.
	ModePool Mode = iota
	// ModeStateful keeps one connection for the facade lifetime. Required for events.
	ModeStateful
)

func (m Mode) String() string {
	if m == ModeStateful {
		return "stateful"
	}
	return "pool"
}

// Config configures a Facade. Zero values fall back to the defaults noted per field.
type Config struct {
	// Addr is the server endpoint. If empty, Registry and Service are used to discover one.
	Addr     string
	Registry registry.Registry
	Service  string
	// Balancer picks among discovered instances in pool mode (default round robin).
	// Stateful facades always use consistent hashing on their client id.
	Balancer loadbalance.Balancer

	Mode          Mode
	PoolMinConns  int           // connections dialed up front in pool mode
	PoolMaxConns  int           // default 8
	BorrowTimeout time.Duration // default Timeout

	// Timeout bounds dialing and every call's wait for its response (default 5s).
	Timeout       time.Duration
	AutoReconnect bool

	// EventVersion is announced in the handshake of every connection.
	EventVersion int
	// OnInit runs after the stateful connection is first established and after every
	// reconnection. Its error is logged.
	OnInit func(ctx context.Context, f *Facade) error

	CodecType         codec.CodecType
	HeartbeatInterval time.Duration // default 30s, negative disables
	Logger            *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PoolMaxConns <= 0 {
		c.PoolMaxConns = 8
	}
	if c.BorrowTimeout <= 0 {
		c.BorrowTimeout = c.Timeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = 0
	}
	if c.Balancer == nil {
		c.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) validate() error {
	if c.Addr == "" && (c.Registry == nil || c.Service == "") {
		return errors.New("remoting: either Addr or Registry and Service must be set")
	}
	return nil
}
