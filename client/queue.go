package client

import (
	"sync"

	"remoting/message"
	"remoting/transport"
)

type delivery struct {
	conn *transport.Conn
	msg  *message.EventMessage
}

// deliveryQueue is an unbounded FIFO between the receive goroutine and the delivery worker.
// push never blocks, so responses behind a burst of event frames are still read.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{signal: make(chan struct{}, 1)}
}

func (q *deliveryQueue) push(d delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain takes every queued delivery in arrival order.
func (q *deliveryQueue) drain() []delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
