package transport

import (
	"context"
	"sync"
)

// Stateful provisions one long-lived connection, dialed lazily on first Acquire and kept for
// the lifetime of its owner. With AutoReconnect the connection survives network failures;
// without it, a connection released as failed is dropped and the next Acquire dials anew.
type Stateful struct {
	factory  Factory
	onCreate func(*Conn)

	mu     sync.Mutex
	conn   *Conn
	closed bool
}

// NewStateful creates the provisioner. onCreate, if set, runs after a new connection was
// dialed, outside the provisioner lock, so it may itself Acquire.
func NewStateful(factory Factory, onCreate func(*Conn)) *Stateful {
	return &Stateful{factory: factory, onCreate: onCreate}
}

func (s *Stateful) Acquire(ctx context.Context) (*Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.conn != nil {
		c := s.conn
		s.mu.Unlock()
		return c, nil
	}
	c, err := s.factory(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.conn = c
	s.mu.Unlock()

	if s.onCreate != nil {
		s.onCreate(c)
	}
	return c, nil
}

// Release keeps the connection unless it failed and cannot come back on its own.
func (s *Stateful) Release(c *Conn, failed bool) {
	if !failed || c.AutoReconnect() {
		return
	}
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
	c.Close()
}

// Current returns the held connection, or nil before the first Acquire.
func (s *Stateful) Current() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Stateful) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
