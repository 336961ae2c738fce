// Package transport implements the client side of a remoting connection and the two ways
// a facade provisions connections: a bounded borrow/return Pool and a single long-lived
// Stateful connection.
//
// A Conn owns one TCP connection at a time. A background goroutine (recvLoop) reads frames
// and hands every decoded message to the Handler; the Handler routes responses to blocked
// callers by correlation id and event frames to local handlers.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ Conn ──→ Server
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop: ←── response(id=2) → Handler.HandleMessage → caller 2 wakes up
//
// When AutoReconnect is set, a lost connection is re-dialed with exponential backoff.
// Each physical connection starts with the handshake frame, and the Handler is told about
// the reconnection so it can resend in-flight calls.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"remoting/codec"
	"remoting/message"
)

// Handler receives the events of a Conn.
type Handler interface {
	// HandleMessage is called on the receive goroutine for every inbound message.
	// It must not block on a response that arrives on the same Conn.
	HandleMessage(c *Conn, msg message.Message)
	// HandleDisconnected is called once each time the physical connection is lost.
	HandleDisconnected(c *Conn, err error)
	// HandleReconnected is called after a lost connection was re-dialed and re-handshaked.
	HandleReconnected(c *Conn)
}

// Resolver returns the address to dial. It is consulted on every (re)connection.
type Resolver func(ctx context.Context) (string, error)

// StaticAddr resolves to a fixed address.
func StaticAddr(addr string) Resolver {
	return func(context.Context) (string, error) { return addr, nil }
}

// Options configures a Conn.
type Options struct {
	CodecType         codec.CodecType
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration // 0 disables heartbeats
	AutoReconnect     bool
	// MaxReconnectInterval caps the exponential backoff between reconnect attempts.
	MaxReconnectInterval time.Duration
	// Handshake is written as the first frame of every physical connection.
	Handshake *message.MetadataMessage
	Logger    *zap.Logger
}

// Conn is a multiplexed, optionally auto-reconnecting client connection.
type Conn struct {
	resolve Resolver
	opts    Options
	handler Handler
	logger  *zap.Logger

	mu   sync.Mutex // guards nc and addr
	nc   net.Conn
	addr string

	sending   sync.Mutex // one frame at a time on the wire
	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects, writes the handshake and starts the receive and heartbeat goroutines.
func Dial(ctx context.Context, resolve Resolver, opts Options, handler Handler) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = 5 * time.Second
	}
	c := &Conn{
		resolve: resolve,
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.Named("conn"),
		done:    make(chan struct{}),
	}

	nc, addr, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(nc, addr)

	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}
	return c, nil
}

// Send writes one message. It fails fast with ErrNotConnected while the connection is down;
// callers that rely on AutoReconnect keep their state and resend from HandleReconnected.
func (c *Conn) Send(msg message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	return WriteMessage(nc, c.opts.CodecType, msg)
}

// IsConnected reports whether the physical connection is currently up.
func (c *Conn) IsConnected() bool {
	return !c.closed.Load() && c.connected.Load()
}

// AutoReconnect reports whether a lost connection is re-dialed.
func (c *Conn) AutoReconnect() bool {
	return c.opts.AutoReconnect
}

// Addr returns the address of the current (or last) physical connection.
func (c *Conn) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Drop closes the current physical connection without closing the Conn, as if the network
// failed. With AutoReconnect the Conn re-dials.
func (c *Conn) Drop() {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

// Close shuts the connection down for good. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.mu.Lock()
		nc := c.nc
		c.mu.Unlock()
		c.connected.Store(false)
		if nc != nil {
			err = nc.Close()
		}
	})
	return err
}

// dial resolves the address, connects and writes the handshake before anything else
// can be sent on the new connection.
func (c *Conn) dial(ctx context.Context) (net.Conn, string, error) {
	addr, err := c.resolve(ctx)
	if err != nil {
		return nil, "", err
	}
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", err
	}
	if c.opts.Handshake != nil {
		if err := WriteMessage(nc, c.opts.CodecType, c.opts.Handshake); err != nil {
			nc.Close()
			return nil, "", err
		}
	}
	return nc, addr, nil
}

func (c *Conn) attach(nc net.Conn, addr string) {
	c.mu.Lock()
	c.nc = nc
	c.addr = addr
	c.mu.Unlock()
	c.connected.Store(true)
	go c.recvLoop(nc)
}

// recvLoop reads frames from one physical connection until it fails. TCP is a byte stream,
// so there is exactly one reader per connection.
func (c *Conn) recvLoop(nc net.Conn) {
	for {
		msg, _, err := ReadMessage(nc)
		if err != nil {
			c.lost(nc, err)
			return
		}
		if msg == nil {
			continue // heartbeat
		}
		c.handler.HandleMessage(c, msg)
	}
}

func (c *Conn) lost(nc net.Conn, err error) {
	c.mu.Lock()
	if c.nc != nc {
		c.mu.Unlock()
		return
	}
	c.connected.Store(false)
	c.mu.Unlock()
	nc.Close()

	if c.closed.Load() {
		return
	}
	c.logger.Debug("connection lost", zap.String("addr", c.Addr()), zap.Error(err))
	c.handler.HandleDisconnected(c, err)

	if c.opts.AutoReconnect {
		go c.reconnectLoop()
	}
}

func (c *Conn) reconnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = c.opts.MaxReconnectInterval
	b.MaxElapsedTime = 0

	var (
		nc   net.Conn
		addr string
	)
	err := backoff.Retry(func() error {
		if c.closed.Load() {
			return backoff.Permanent(ErrClosed)
		}
		var err error
		nc, addr, err = c.dial(ctx)
		if err != nil {
			c.logger.Debug("reconnect attempt failed", zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return
	}
	if c.closed.Load() {
		nc.Close()
		return
	}

	c.attach(nc, addr)
	c.logger.Info("reconnected", zap.String("addr", addr))
	c.handler.HandleReconnected(c)
}

// heartbeatLoop sends periodic empty frames so idle connections are kept alive and a dead
// peer is noticed by the next write.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		nc := c.nc
		c.mu.Unlock()
		if nc == nil || !c.connected.Load() {
			continue
		}
		c.sending.Lock()
		err := WriteHeartbeat(nc, c.opts.CodecType)
		c.sending.Unlock()
		if err != nil {
			c.logger.Debug("heartbeat failed", zap.Error(err))
		}
	}
}
