// Package event provides the in-process side of the event protocol: a registry of local
// handlers per event name, and the context flag that marks a delivery as coming from the
// network so it is not published back.
package event

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"remoting/message"
)

// Handler reacts to one firing of an event. It may mutate args.
type Handler func(ctx context.Context, args *message.EventArgs) error

// HandlerID identifies an attached handler for DetachEvent.
type HandlerID uint64

// Source is implemented by anything that carries local event handlers. A server target that
// implements Source has its events fanned out to remote subscribers; one that does not gets
// a private Hub.
type Source interface {
	AttachEvent(name string, fn Handler) HandlerID
	DetachEvent(name string, id HandlerID) bool
	RaiseEvent(ctx context.Context, name string, args *message.EventArgs) error
}

type entry struct {
	id HandlerID
	fn Handler
}

// Hub is a Source. The zero value is ready to use; embed it in a target to give it events.
type Hub struct {
	mu       sync.RWMutex
	next     HandlerID
	handlers map[string][]entry
}

var _ Source = (*Hub)(nil)

// AttachEvent registers fn for name. Handlers run in attach order.
func (h *Hub) AttachEvent(name string, fn Handler) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[string][]entry)
	}
	h.next++
	h.handlers[name] = append(h.handlers[name], entry{id: h.next, fn: fn})
	return h.next
}

// DetachEvent removes a handler and reports whether it was attached.
func (h *Hub) DetachEvent(name string, id HandlerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.handlers[name]
	i := slices.IndexFunc(list, func(e entry) bool { return e.id == id })
	if i < 0 {
		return false
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(h.handlers, name)
	} else {
		h.handlers[name] = list
	}
	return true
}

// Count returns the number of handlers attached to name.
func (h *Hub) Count(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[name])
}

// Events returns the sorted names that have at least one handler.
func (h *Hub) Events() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RaiseEvent runs the handlers attached to name with args. A failing or panicking handler
// does not stop the others; their errors are combined. A handler that sets args.Cancel
// stops the remaining ones.
func (h *Hub) RaiseEvent(ctx context.Context, name string, args *message.EventArgs) error {
	if args == nil {
		args = &message.EventArgs{}
	}
	h.mu.RLock()
	list := h.handlers[name]
	h.mu.RUnlock()

	var err error
	for _, e := range list {
		if args.Cancel {
			break
		}
		err = multierr.Append(err, invoke(ctx, e.fn, args))
	}
	return err
}

func invoke(ctx context.Context, fn Handler, args *message.EventArgs) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return fn(ctx, args)
}
