package client

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"remoting/event"
	"remoting/message"
	"remoting/transport"
)

// AttachEvent registers fn locally and, for the first handler of name, subscribes the
// connection on the server. Events require stateful mode.
func (f *Facade) AttachEvent(ctx context.Context, name string, fn event.Handler) (event.HandlerID, error) {
	if f.stateful == nil {
		return 0, ErrStatefulRequired
	}
	if f.closed.Load() {
		return 0, ErrClosed
	}
	// Connect (and run OnInit) before taking subMu: OnInit may attach handlers itself.
	conn, err := f.prov.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	f.subMu.Lock()
	defer f.subMu.Unlock()

	id := f.hub.AttachEvent(name, fn)
	if f.hub.Count(name) > 1 {
		f.prov.Release(conn, false)
		return id, nil
	}
	if err := f.sendOn(conn, &message.EventMessage{EventName: name, Flag: message.Subscribe}); err != nil {
		f.hub.DetachEvent(name, id)
		return 0, err
	}
	return id, nil
}

// DetachEvent removes a local handler. The server subscription is dropped with the last one.
func (f *Facade) DetachEvent(ctx context.Context, name string, id event.HandlerID) error {
	var conn *transport.Conn
	if f.stateful != nil && !f.closed.Load() {
		c, err := f.prov.Acquire(ctx)
		if err != nil {
			return err
		}
		conn = c
	}
	f.subMu.Lock()
	defer f.subMu.Unlock()

	if !f.hub.DetachEvent(name, id) {
		if conn != nil {
			f.prov.Release(conn, false)
		}
		return fmt.Errorf("remoting: no handler %d attached to %q", id, name)
	}
	if conn == nil {
		return nil
	}
	if f.hub.Count(name) > 0 {
		f.prov.Release(conn, false)
		return nil
	}
	return f.sendOn(conn, &message.EventMessage{EventName: name, Flag: message.Unsubscribe})
}

// RaiseEvent fires name: local handlers run first and may mutate or cancel args, then the
// event is published to the server for fan-out. Deliveries that came from the server are
// never published back.
func (f *Facade) RaiseEvent(ctx context.Context, name string, args *message.EventArgs) error {
	if args == nil {
		args = &message.EventArgs{}
	}
	err := f.hub.RaiseEvent(ctx, name, args)
	if event.IsRemoteDelivery(ctx) || args.Cancel {
		return err
	}
	if f.closed.Load() {
		return multierr.Append(err, ErrClosed)
	}
	return multierr.Append(err, f.sendEvent(ctx, &message.EventMessage{
		EventName: name,
		Flag:      message.Publish,
		Args:      args,
	}))
}

// sendEvent writes a fire-and-forget event frame on a provisioned connection.
func (f *Facade) sendEvent(ctx context.Context, msg *message.EventMessage) error {
	conn, err := f.prov.Acquire(ctx)
	if err != nil {
		return err
	}
	return f.sendOn(conn, msg)
}

// sendOn writes msg and releases conn. With AutoReconnect a subscription change on a down
// connection is not an error: subscriptions are restored on reconnection.
func (f *Facade) sendOn(conn *transport.Conn, msg *message.EventMessage) error {
	err := conn.Send(msg)
	f.prov.Release(conn, err != nil)
	if err == nil {
		return nil
	}
	if conn.AutoReconnect() && msg.Flag != message.Publish {
		f.logger.Debug("event frame deferred until reconnect", zap.String("event", msg.EventName), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
}

// resubscribe restores the server-side subscriber set after a reconnection.
func (f *Facade) resubscribe(c *transport.Conn) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, name := range f.hub.Events() {
		if err := c.Send(&message.EventMessage{EventName: name, Flag: message.Subscribe}); err != nil {
			f.logger.Warn("resubscribe failed", zap.String("event", name), zap.Error(err))
		}
	}
}

// deliverLoop runs remote deliveries one at a time off the receive goroutine, so handlers
// may themselves call the server.
func (f *Facade) deliverLoop() {
	for {
		select {
		case <-f.done:
			return
		case <-f.deliveries.signal:
		}
		for _, d := range f.deliveries.drain() {
			if f.closed.Load() {
				return
			}
			f.deliver(d)
		}
	}
}

func (f *Facade) deliver(d delivery) {
	args := d.msg.Args
	if args == nil {
		args = &message.EventArgs{}
	}
	ctx := event.WithRemoteDelivery(context.Background())
	if err := f.hub.RaiseEvent(ctx, d.msg.EventName, args); err != nil {
		f.logger.Warn("event handler failed", zap.String("event", d.msg.EventName), zap.Stringer("flag", d.msg.Flag), zap.Error(err))
	}
	if d.msg.Flag != message.ComputeArgs {
		return
	}
	reply := &message.EventMessage{
		EventName: d.msg.EventName,
		Flag:      message.ComputeArgs,
		Args:      args,
		ComputeID: d.msg.ComputeID,
	}
	if err := d.conn.Send(reply); err != nil {
		f.logger.Warn("compute reply failed", zap.String("event", d.msg.EventName), zap.String("compute_id", d.msg.ComputeID), zap.Error(err))
	}
}

func attachArgs(args []any) (string, event.Handler, error) {
	if len(args) == 2 {
		name, ok := args[0].(string)
		if ok {
			switch fn := args[1].(type) {
			case event.Handler:
				return name, fn, nil
			case func(context.Context, *message.EventArgs) error:
				return name, fn, nil
			}
		}
	}
	return "", nil, fmt.Errorf("remoting: AttachEvent expects (string, event.Handler)")
}

func detachArgs(args []any) (string, event.HandlerID, error) {
	if len(args) == 2 {
		name, ok := args[0].(string)
		if ok {
			if id, ok := args[1].(event.HandlerID); ok {
				return name, id, nil
			}
		}
	}
	return "", 0, fmt.Errorf("remoting: DetachEvent expects (string, event.HandlerID)")
}

func raiseArgs(args []any) (string, *message.EventArgs, error) {
	if len(args) == 1 || len(args) == 2 {
		name, ok := args[0].(string)
		if ok {
			if len(args) == 1 {
				return name, nil, nil
			}
			if ea, ok := args[1].(*message.EventArgs); ok {
				return name, ea, nil
			}
		}
	}
	return "", nil, fmt.Errorf("remoting: RaiseEvent expects (string, *message.EventArgs)")
}
