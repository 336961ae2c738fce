// Package client implements the facade runtime: the caller-side object that turns method
// calls and event operations into wire messages and routes responses and event frames back.
//
// A typed facade is a thin adapter over Invoke:
//
//	type Calculator struct{ f *client.Facade }
//
//	func (c Calculator) Add(ctx context.Context, a, b int) (int, error) {
//		return client.Call[int](ctx, c.f, "Add", a, b)
//	}
//
// Lifecycle and event operations (Close, String, AttachEvent, DetachEvent, RaiseEvent) are
// handled locally and never reach the server as method calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"remoting/event"
	"remoting/loadbalance"
	"remoting/message"
	"remoting/transport"
)

// Facade is the client-side handle of a remote target.
type Facade struct {
	cfg      Config
	logger   *zap.Logger
	clientID string

	prov      transport.Provisioner
	stateful  *transport.Stateful // nil in pool mode
	instances *instanceCache      // nil with a fixed Addr

	nextID  atomic.Uint64
	pending *pendingTable

	hub        event.Hub
	subMu      sync.Mutex // orders subscribe/unsubscribe decisions per facade
	deliveries *deliveryQueue

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Handler = (*Facade)(nil)

// New creates a facade. In pool mode PoolMinConns connections are dialed before it returns;
// in stateful mode the connection is dialed on first use.
func New(ctx context.Context, cfg Config) (*Facade, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f := &Facade{
		cfg:        cfg,
		clientID:   uuid.NewString(),
		pending:    newPendingTable(),
		deliveries: newDeliveryQueue(),
		done:       make(chan struct{}),
	}
	f.logger = cfg.Logger.Named("facade").With(zap.String("client_id", f.clientID))
	if cfg.Addr == "" {
		f.instances = newInstanceCache(cfg.Registry, cfg.Service, f.logger)
	}

	switch cfg.Mode {
	case ModeStateful:
		f.stateful = transport.NewStateful(f.dial, f.onConnect)
		f.prov = f.stateful
	default:
		pool, err := transport.NewPool(ctx, f.dial, cfg.PoolMinConns, cfg.PoolMaxConns, cfg.BorrowTimeout)
		if err != nil {
			if f.instances != nil {
				f.instances.stop()
			}
			return nil, err
		}
		f.prov = pool
	}

	go f.deliverLoop()
	return f, nil
}

// Call invokes method and decodes its return value as T.
func Call[T any](ctx context.Context, f *Facade, method string, args ...any) (T, error) {
	var reply T
	err := f.Invoke(ctx, method, &reply, args...)
	return reply, err
}

// Invoke performs one facade operation. reply, if non-nil, must be a pointer and receives
// the return value.
//
// Close and String are answered locally. AttachEvent(name, handler), DetachEvent(name, id)
// and RaiseEvent(name, args) go through the event protocol. ClientID, EventVersion and
// Events with no arguments are local accessors. Everything else is a remote method call.
func (f *Facade) Invoke(ctx context.Context, method string, reply any, args ...any) error {
	switch method {
	case "Close":
		return f.Close()
	case "String":
		return setReply(reply, f.String())
	case "AttachEvent":
		name, fn, err := attachArgs(args)
		if err != nil {
			return err
		}
		id, err := f.AttachEvent(ctx, name, fn)
		if err != nil {
			return err
		}
		return setReply(reply, id)
	case "DetachEvent":
		name, id, err := detachArgs(args)
		if err != nil {
			return err
		}
		return f.DetachEvent(ctx, name, id)
	case "RaiseEvent":
		name, ea, err := raiseArgs(args)
		if err != nil {
			return err
		}
		return f.RaiseEvent(ctx, name, ea)
	}
	if len(args) == 0 {
		switch method {
		case "ClientID":
			return setReply(reply, f.ClientID())
		case "EventVersion":
			return setReply(reply, f.EventVersion())
		case "Events":
			return setReply(reply, f.Events())
		}
	}
	return f.call(ctx, method, reply, args)
}

func (f *Facade) call(ctx context.Context, method string, reply any, args []any) error {
	if f.closed.Load() {
		return ErrClosed
	}
	params, err := encodeParams(args)
	if err != nil {
		return fmt.Errorf("remoting: %s: %w", method, err)
	}
	req := &message.MethodMessage{
		ID:         f.nextID.Add(1),
		Method:     method,
		Parameters: params,
		TraceID:    traceID(ctx),
	}

	conn, err := f.prov.Acquire(ctx)
	if err != nil {
		return err
	}
	failed := false
	defer func() { f.prov.Release(conn, failed) }()

	bean := f.pending.add(conn, req)
	if err := conn.Send(req); err != nil {
		if !conn.AutoReconnect() {
			f.pending.remove(bean)
			failed = true
			return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
		}
		// Stays pending: resent once the connection is back.
		f.logger.Debug("send failed, waiting for reconnect", zap.String("method", method), zap.Error(err))
	}

	timer := time.NewTimer(f.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-bean.done:
		if errors.Is(bean.err, ErrClientDisconnected) {
			failed = true
		}
		return bean.result(reply)
	case <-ctx.Done():
		f.pending.remove(bean)
		return ctx.Err()
	case <-f.done:
		f.pending.remove(bean)
		return ErrClosed
	case <-timer.C:
	}

	f.pending.remove(bean)
	if !conn.IsConnected() {
		failed = true
		return ErrClientDisconnected
	}
	if bean.answered.Load() {
		return bean.result(reply)
	}
	f.logger.Warn("call timed out", zap.String("method", method), zap.Uint64("id", req.ID))
	return ErrCallTimeout
}

// ClientID is the unique id announced in every handshake of this facade.
func (f *Facade) ClientID() string { return f.clientID }

// EventVersion is the version announced in every handshake of this facade.
func (f *Facade) EventVersion() int { return f.cfg.EventVersion }

// Events lists the event names with local handlers.
func (f *Facade) Events() []string { return f.hub.Events() }

func (f *Facade) String() string {
	target := f.cfg.Addr
	if target == "" {
		target = "registry:" + f.cfg.Service
	}
	return fmt.Sprintf("Facade(%s, %s, %s)", target, f.cfg.Mode, f.clientID)
}

// Close releases the connections and fails every outstanding call. It is safe to call more
// than once.
func (f *Facade) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		close(f.done)
		f.pending.failAll(ErrClosed)
		if f.instances != nil {
			f.instances.stop()
		}
		err = f.prov.Close()
	})
	return err
}

// HandleMessage routes responses to waiting callers and event frames to the delivery worker.
func (f *Facade) HandleMessage(c *transport.Conn, msg message.Message) {
	switch m := msg.(type) {
	case *message.MethodMessage:
		if !f.pending.complete(c, m) {
			f.logger.Debug("dropping response with no waiting call", zap.Uint64("id", m.ID), zap.String("method", m.Method))
		}
	case *message.EventMessage:
		switch m.Flag {
		case message.Broadcast, message.ComputeArgs:
			f.deliveries.push(delivery{conn: c, msg: m})
		default:
			f.logger.Warn("unexpected event frame", zap.Stringer("flag", m.Flag), zap.String("event", m.EventName))
		}
	default:
		f.logger.Warn("unexpected message", zap.Stringer("kind", msg.Kind()))
	}
}

// HandleDisconnected fails the calls on a connection that will not come back.
func (f *Facade) HandleDisconnected(c *transport.Conn, err error) {
	f.logger.Info("disconnected", zap.String("addr", c.Addr()), zap.Error(err))
	if c.AutoReconnect() {
		return
	}
	f.pending.failConn(c, ErrClientDisconnected)
	if f.stateful != nil {
		f.stateful.Release(c, true)
	}
}

// HandleReconnected resends the calls still waiting on c, restores the server-side
// subscriptions and re-runs OnInit.
func (f *Facade) HandleReconnected(c *transport.Conn) {
	for _, b := range f.pending.onConn(c) {
		if err := c.Send(b.req); err != nil {
			f.logger.Warn("resend failed", zap.Uint64("id", b.req.ID), zap.Error(err))
		}
	}
	if f.stateful == nil {
		return
	}
	f.resubscribe(c)
	f.runInit()
}

func (f *Facade) dial(ctx context.Context) (*transport.Conn, error) {
	opts := transport.Options{
		CodecType:         f.cfg.CodecType,
		DialTimeout:       f.cfg.Timeout,
		HeartbeatInterval: f.cfg.HeartbeatInterval,
		AutoReconnect:     f.cfg.AutoReconnect,
		Handshake: &message.MetadataMessage{
			EventVersion: f.cfg.EventVersion,
			ClientID:     f.clientID,
		},
		Logger: f.cfg.Logger,
	}
	return transport.Dial(ctx, f.resolver(), opts, f)
}

// resolver picks the address on every (re)connection. A stateful facade hashes its client id
// so reconnections land on the same instance while it is registered.
func (f *Facade) resolver() transport.Resolver {
	if f.cfg.Addr != "" {
		return transport.StaticAddr(f.cfg.Addr)
	}
	bal := f.cfg.Balancer
	if f.stateful != nil {
		bal = loadbalance.NewConsistentHashBalancer(f.clientID)
	}
	return func(ctx context.Context) (string, error) {
		instances, err := f.instances.get(ctx)
		if err != nil {
			return "", err
		}
		if len(instances) == 0 {
			return "", fmt.Errorf("remoting: no instances of %q", f.cfg.Service)
		}
		inst, err := bal.Pick(instances)
		if err != nil {
			return "", err
		}
		return inst.Addr, nil
	}
}

func (f *Facade) onConnect(*transport.Conn) {
	f.runInit()
}

func (f *Facade) runInit() {
	if f.cfg.OnInit == nil || f.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()
	if err := f.cfg.OnInit(ctx, f); err != nil {
		f.logger.Error("init callback failed", zap.Error(err))
	}
}

func encodeParams(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode parameter %d: %w", i, err)
		}
		params[i] = data
	}
	return params, nil
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// setReply stores v into the pointer reply, converting when the types allow it.
func setReply(reply any, v any) error {
	if reply == nil {
		return nil
	}
	rv := reflect.ValueOf(reply)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("remoting: reply must be a non-nil pointer, got %T", reply)
	}
	dst := rv.Elem()
	src := reflect.ValueOf(v)
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case src.Type().ConvertibleTo(dst.Type()):
		dst.Set(src.Convert(dst.Type()))
	default:
		return fmt.Errorf("remoting: cannot store %T into %s", v, dst.Type())
	}
	return nil
}
