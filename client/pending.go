package client

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"remoting/message"
	"remoting/transport"
)

// clientBean tracks one outstanding call until its response arrives or the caller gives up.
type clientBean struct {
	conn *transport.Conn
	req  *message.MethodMessage

	resp     *message.MethodMessage // set before done is closed
	err      error                  // set before done is closed
	answered atomic.Bool
	once     sync.Once
	done     chan struct{}
}

func (b *clientBean) finish(resp *message.MethodMessage, err error) {
	b.once.Do(func() {
		b.resp = resp
		b.err = err
		if resp != nil {
			b.answered.Store(true)
		}
		close(b.done)
	})
}

// result decodes the response into reply. Only valid after done is closed.
func (b *clientBean) result(reply any) error {
	if b.err != nil {
		return b.err
	}
	if b.resp.ErrorMessage != "" {
		return &RemotingError{Method: b.req.Method, Message: b.resp.ErrorMessage}
	}
	if reply == nil || len(b.resp.ReturnValue) == 0 {
		return nil
	}
	return json.Unmarshal(b.resp.ReturnValue, reply)
}

type pendingKey struct {
	conn *transport.Conn
	id   uint64
}

// pendingTable is the correlation table: (connection, call id) → waiting bean.
// An entry is removed by whichever side sees completion first; removal is idempotent.
type pendingTable struct {
	mu    sync.Mutex
	beans map[pendingKey]*clientBean
}

func newPendingTable() *pendingTable {
	return &pendingTable{beans: make(map[pendingKey]*clientBean)}
}

func (p *pendingTable) add(conn *transport.Conn, req *message.MethodMessage) *clientBean {
	b := &clientBean{conn: conn, req: req, done: make(chan struct{})}
	p.mu.Lock()
	p.beans[pendingKey{conn, req.ID}] = b
	p.mu.Unlock()
	return b
}

// complete releases the caller waiting for resp. It reports false for unknown ids
// (late responses after a timeout).
func (p *pendingTable) complete(conn *transport.Conn, resp *message.MethodMessage) bool {
	key := pendingKey{conn, resp.ID}
	p.mu.Lock()
	b, ok := p.beans[key]
	delete(p.beans, key)
	p.mu.Unlock()
	if ok {
		b.finish(resp, nil)
	}
	return ok
}

func (p *pendingTable) remove(b *clientBean) {
	p.mu.Lock()
	if p.beans[pendingKey{b.conn, b.req.ID}] == b {
		delete(p.beans, pendingKey{b.conn, b.req.ID})
	}
	p.mu.Unlock()
}

// onConn returns the beans still waiting on conn.
func (p *pendingTable) onConn(conn *transport.Conn) []*clientBean {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*clientBean
	for k, b := range p.beans {
		if k.conn == conn {
			out = append(out, b)
		}
	}
	return out
}

// failConn fails every bean waiting on conn.
func (p *pendingTable) failConn(conn *transport.Conn, err error) {
	p.mu.Lock()
	var failed []*clientBean
	for k, b := range p.beans {
		if k.conn == conn {
			failed = append(failed, b)
			delete(p.beans, k)
		}
	}
	p.mu.Unlock()
	for _, b := range failed {
		b.finish(nil, err)
	}
}

// failAll fails every bean.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	beans := p.beans
	p.beans = make(map[pendingKey]*clientBean)
	p.mu.Unlock()
	for _, b := range beans {
		b.finish(nil, err)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.beans)
}
