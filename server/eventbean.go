package server

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"remoting/event"
	"remoting/message"
)

// ErrComputeDelegateUnavailable is logged when compute is enabled but no subscriber
// qualifies as delegate. The event is then broadcast with its original args.
var ErrComputeDelegateUnavailable = errors.New("remoting: no compute delegate available")

// eventContext is one outstanding compute request.
type eventContext struct {
	args   *message.EventArgs
	done   chan struct{}
	closed bool // guarded by eventBean.mu; set on reply or when the firing stops waiting
}

// eventBean is the server-side state of one event name: its subscribers and the compute
// requests in flight.
//
// Each firing runs FIRED → (COMPUTING) → BROADCASTING → IDLE under firing, so firings of
// one event never interleave. mu guards the subscriber set and the context map and is only
// held briefly, so compute replies can be recorded while a firing waits for them.
type eventBean struct {
	srv       *Server
	name      string
	handlerID event.HandlerID
	logger    *zap.Logger

	firing sync.Mutex

	mu        sync.Mutex
	subscribe map[*session]struct{}
	contexts  map[string]*eventContext
}

func newEventBean(srv *Server, name string) *eventBean {
	return &eventBean{
		srv:       srv,
		name:      name,
		logger:    srv.logger.With(zap.String("event", name)),
		subscribe: make(map[*session]struct{}),
		contexts:  make(map[string]*eventContext),
	}
}

func (b *eventBean) add(s *session) {
	b.mu.Lock()
	b.subscribe[s] = struct{}{}
	b.mu.Unlock()
}

func (b *eventBean) remove(s *session) {
	b.mu.Lock()
	delete(b.subscribe, s)
	b.mu.Unlock()
}

func (b *eventBean) subscribers() []*session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session, 0, len(b.subscribe))
	for s := range b.subscribe {
		out = append(out, s)
	}
	return out
}

// fire is attached to the target's event source once per event name. A published firing is
// broadcast to everyone but the publisher; any other firing may be computed by a delegate
// first.
func (b *eventBean) fire(ctx context.Context, args *message.EventArgs) error {
	b.firing.Lock()
	defer b.firing.Unlock()

	if pub := publisherFrom(ctx, b.name); pub != nil {
		b.broadcast(args, pub)
		return nil
	}
	computing := b.compute(args)
	b.broadcast(args, computing)
	return nil
}

// compute asks a delegate to transform args and waits up to the server timeout for its
// reply. It returns the delegate, which is then skipped by the broadcast.
func (b *eventBean) compute(args *message.EventArgs) *session {
	if b.srv.cfg.Compute == ComputeDisabled || args.Cancel {
		return nil
	}
	delegate := b.pickDelegate()
	if delegate == nil {
		b.logger.Warn("broadcasting original args", zap.Stringer("policy", b.srv.cfg.Compute), zap.Error(ErrComputeDelegateUnavailable))
		b.srv.metrics.computes.WithLabelValues(b.name, "unavailable").Inc()
		return nil
	}

	id := uuid.NewString()
	ec := &eventContext{args: args, done: make(chan struct{})}
	b.mu.Lock()
	b.contexts[id] = ec
	b.mu.Unlock()
	time.AfterFunc(2*b.srv.cfg.Timeout, func() {
		b.mu.Lock()
		delete(b.contexts, id)
		b.mu.Unlock()
	})

	req := &message.EventMessage{EventName: b.name, Flag: message.ComputeArgs, Args: args, ComputeID: id}
	if err := delegate.send(req); err != nil {
		b.logger.Warn("compute request failed, pruning delegate", zap.String("client_id", delegate.clientID()), zap.Error(err))
		b.remove(delegate)
		b.stopWaiting(ec)
		b.srv.metrics.computes.WithLabelValues(b.name, "failed").Inc()
		return nil
	}

	timer := time.NewTimer(b.srv.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-ec.done:
		b.srv.metrics.computes.WithLabelValues(b.name, "computed").Inc()
	case <-timer.C:
		b.stopWaiting(ec)
		b.logger.Warn("compute timed out, broadcasting current args", zap.String("client_id", delegate.clientID()), zap.String("compute_id", id))
		b.srv.metrics.computes.WithLabelValues(b.name, "timeout").Inc()
	}
	return delegate
}

// stopWaiting makes late replies for ec no-ops, so args are no longer written to.
func (b *eventBean) stopWaiting(ec *eventContext) {
	b.mu.Lock()
	ec.closed = true
	b.mu.Unlock()
}

// completeCompute records a delegate's reply and wakes the firing waiting for it.
// Unknown or expired ids are ignored.
func (b *eventBean) completeCompute(id string, computed *message.EventArgs) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ec, ok := b.contexts[id]
	if !ok || ec.closed {
		return false
	}
	ec.args.CopyFrom(computed)
	ec.closed = true
	close(ec.done)
	return true
}

// pickDelegate selects a handshaked subscriber according to the compute policy.
func (b *eventBean) pickDelegate() *session {
	type candidate struct {
		s       *session
		version int
	}
	var all []candidate
	for _, s := range b.subscribers() {
		if v, ok := s.version(); ok && s.connected() {
			all = append(all, candidate{s, v})
		}
	}

	var want int
	switch b.srv.cfg.Compute {
	case ComputeFixedVersion:
		want = b.srv.cfg.ComputeVersion
	case ComputeLatest:
		if len(all) == 0 {
			return nil
		}
		want = slices.MaxFunc(all, func(x, y candidate) int { return x.version - y.version }).version
	default:
		return nil
	}

	var eligible []*session
	for _, c := range all {
		if c.version == want {
			eligible = append(eligible, c.s)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.IntN(len(eligible))]
}

// broadcast delivers args to every subscriber except skip. An allow-list in args.Versions,
// or else the server's BroadcastVersions, restricts delivery to those handshake versions.
// Subscribers that are gone or fail the write are pruned.
func (b *eventBean) broadcast(args *message.EventArgs, skip *session) {
	if args.Cancel {
		return
	}
	allow := args.Versions
	if len(allow) == 0 {
		allow = b.srv.cfg.BroadcastVersions
	}

	msg := &message.EventMessage{EventName: b.name, Flag: message.Broadcast, Args: args}
	for _, s := range b.subscribers() {
		if s == skip {
			continue
		}
		if !s.connected() {
			b.remove(s)
			continue
		}
		if len(allow) > 0 {
			v, ok := s.version()
			if !ok || !slices.Contains(allow, v) {
				continue
			}
		}
		if err := s.send(msg); err != nil {
			b.logger.Warn("broadcast failed, pruning subscriber", zap.String("client_id", s.clientID()), zap.Error(err))
			b.remove(s)
			continue
		}
		b.srv.metrics.broadcasts.WithLabelValues(b.name).Inc()
	}
}
