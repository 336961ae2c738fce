package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Provisioner hands out connections to a facade.
type Provisioner interface {
	// Acquire returns a connection the caller owns until Release.
	Acquire(ctx context.Context) (*Conn, error)
	// Release gives the connection back. failed marks it as broken by the caller.
	Release(c *Conn, failed bool)
	Close() error
}

// Factory dials a new connection.
type Factory func(ctx context.Context) (*Conn, error)

// Pool is a bounded borrow/return pool: each call borrows one connection exclusively for a
// single request/response cycle.
//
// Pool design: a buffered channel of capacity maxConns always holds one slot per permitted
// connection. A slot is either an idle *Conn or nil, meaning "a connection may be dialed".
// Borrowing takes a slot (blocking when all are lent out), returning puts one back, so the
// channel doubles as FIFO idle list and counting semaphore.
type Pool struct {
	mu            sync.Mutex
	slots         chan *Conn
	factory       Factory
	borrowTimeout time.Duration
	closed        bool
}

// NewPool creates a pool of at most maxConns connections and dials minConns of them up front.
func NewPool(ctx context.Context, factory Factory, minConns, maxConns int, borrowTimeout time.Duration) (*Pool, error) {
	if maxConns <= 0 {
		maxConns = 1
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	p := &Pool{
		slots:         make(chan *Conn, maxConns),
		factory:       factory,
		borrowTimeout: borrowTimeout,
	}

	warm := make([]*Conn, minConns)
	g, gctx := errgroup.WithContext(ctx)
	for i := range warm {
		g.Go(func() error {
			c, err := factory(gctx)
			warm[i] = c
			return err
		})
	}
	err := g.Wait()

	for _, c := range warm {
		if err != nil && c != nil {
			c.Close()
			continue
		}
		p.slots <- c
	}
	if err != nil {
		return nil, err
	}
	for i := minConns; i < maxConns; i++ {
		p.slots <- nil
	}
	return p, nil
}

// Acquire borrows a connection, dialing one if a free slot has none.
// It blocks up to the borrow timeout and then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var timeout <-chan time.Time
	if p.borrowTimeout > 0 {
		timer := time.NewTimer(p.borrowTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		c  *Conn
		ok bool
	)
	select {
	case c, ok = <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrPoolExhausted
	}
	if !ok {
		return nil, ErrClosed
	}
	if c != nil && (c.IsConnected() || c.AutoReconnect()) {
		return c, nil
	}
	if c != nil {
		c.Close()
	}

	c, err := p.factory(ctx)
	if err != nil {
		p.put(nil)
		return nil, err
	}
	return c, nil
}

// Release returns a borrowed connection. A failed connection, or one that is down and will
// not reconnect, is closed and its slot freed instead of being recycled.
func (p *Pool) Release(c *Conn, failed bool) {
	if failed || (!c.IsConnected() && !c.AutoReconnect()) {
		c.Close()
		c = nil
	}
	p.put(c)
}

func (p *Pool) put(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if c != nil {
			c.Close()
		}
		return
	}
	p.slots <- c
}

// Close closes idle connections; connections still borrowed are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.slots)

	var err error
	for c := range p.slots {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
