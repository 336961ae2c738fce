// Package server implements the remoting server: it exposes one target object's methods to
// remote facades and fans the target's events out to subscribed connections.
//
// Request processing pipeline:
//
//	Accept conn → session.serve (single goroutine reads frames)
//	  → MetadataMessage: store the handshake
//	  → MethodMessage:   go handleCall → Middleware Chain → reflect.Call → write response
//	  → EventMessage:    subscribe / unsubscribe / compute reply inline, publish in a goroutine
//
// Events fired on the target (by its own code or by a PUBLISH) reach the eventBean of that
// name, which optionally has one subscriber compute the args and then broadcasts them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"remoting/event"
	"remoting/message"
	"remoting/middleware"
	"remoting/registry"
)

// Server exposes one target to remote facades.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	svc     *service
	events  event.Source
	metrics *metrics

	middlewares []middleware.Middleware // applied in order, outermost first
	handler     middleware.HandlerFunc

	listener net.Listener
	addr     string
	wg       sync.WaitGroup // in-flight calls and publishes
	shutdown atomic.Bool

	mu       sync.Mutex
	sessions map[*session]struct{}
	beans    map[string]*eventBean
}

// New prepares a server for target. If target implements event.Source (for example by
// embedding event.Hub), its events are delivered to subscribers; otherwise subscribers can
// only exchange events among themselves through the server.
func New(target any, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	svc, err := newService(target)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if cfg.Service == "" {
		cfg.Service = svc.name
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.Named("server").With(zap.String("service", cfg.Service)),
		svc:      svc,
		metrics:  m,
		sessions: make(map[*session]struct{}),
		beans:    make(map[string]*eventBean),
	}
	if src, ok := target.(event.Source); ok {
		s.events = src
	} else {
		s.events = &event.Hub{}
	}

	s.Use(middleware.RecoverMiddleware(s.logger))
	s.Use(middleware.LoggingMiddleware(s.logger))
	if cfg.RateLimit > 0 {
		s.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.CallTimeout > 0 {
		s.Use(middleware.TimeOutMiddleware(cfg.CallTimeout))
	}
	return s, nil
}

// Use registers a middleware. It must be called before Serve or Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start listens and accepts connections in the background.
func (s *Server) Start() error {
	if err := s.listen(); err != nil {
		return err
	}
	go func() {
		if err := s.acceptLoop(); err != nil {
			s.logger.Error("accept loop stopped", zap.Error(err))
		}
	}()
	return nil
}

// Serve listens and accepts connections until Shutdown, which makes it return nil.
func (s *Server) Serve() error {
	if err := s.listen(); err != nil {
		return err
	}
	return s.acceptLoop()
}

// Addr returns the listener address once the server is listening.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) listen() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	// Build the chain once: Chain(A, B, C)(h) runs A.before → B.before → C.before → h.
	s.handler = middleware.Chain(s.middlewares...)(s.invoke)

	if s.cfg.Registry != nil {
		if s.cfg.AdvertiseAddr == "" {
			s.cfg.AdvertiseAddr = s.addr
		}
		inst := registry.ServiceInstance{Addr: s.cfg.AdvertiseAddr}
		if err := s.cfg.Registry.Register(context.Background(), s.cfg.Service, inst, s.cfg.TTL); err != nil {
			listener.Close()
			return fmt.Errorf("register %s: %w", s.cfg.Service, err)
		}
	}
	s.logger.Info("listening", zap.String("addr", s.addr), zap.Stringer("compute", s.cfg.Compute))
	return nil
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Closing the listener in Shutdown makes Accept fail; that is not an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		sess := newSession(s, conn)
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		s.metrics.sessions.Inc()
		go sess.serve()
	}
}

// dispatch handles one inbound message on the session's read goroutine. Anything that may
// block on the network or user code runs in its own goroutine.
func (s *Server) dispatch(sess *session, msg message.Message) {
	switch m := msg.(type) {
	case *message.MetadataMessage:
		sess.meta.Store(m)
		sess.logger.Debug("handshake", zap.String("client_id", m.ClientID), zap.Int("event_version", m.EventVersion))
	case *message.MethodMessage:
		s.wg.Add(1)
		go s.handleCall(sess, m)
	case *message.EventMessage:
		s.handleEvent(sess, m)
	}
}

func (s *Server) handleCall(sess *session, req *message.MethodMessage) {
	defer s.wg.Done()
	ctx := contextWithTrace(context.Background(), req.TraceID)
	resp := s.handler(ctx, req)
	resp.ID = req.ID
	resp.Method = req.Method
	resp.Parameters = nil

	outcome := "ok"
	if resp.ErrorMessage != "" {
		outcome = "error"
	}
	s.metrics.calls.WithLabelValues(req.Method, outcome).Inc()

	if err := sess.send(resp); err != nil {
		sess.logger.Warn("write response failed", zap.String("method", req.Method), zap.Uint64("id", req.ID), zap.Error(err))
	}
}

// invoke is the innermost handler of the middleware chain.
func (s *Server) invoke(ctx context.Context, req *message.MethodMessage) *message.MethodMessage {
	resp := &message.MethodMessage{ID: req.ID, Method: req.Method}
	mt, ok := s.svc.method[req.Method]
	if !ok {
		resp.ErrorMessage = errorMessage(fmt.Errorf("remoting: unknown method %s.%s", s.svc.name, req.Method))
		return resp
	}
	ret, err := s.svc.call(ctx, mt, req.Parameters)
	if err != nil {
		resp.ErrorMessage = errorMessage(err)
		return resp
	}
	resp.ReturnValue = ret
	return resp
}

func (s *Server) handleEvent(sess *session, m *message.EventMessage) {
	switch m.Flag {
	case message.Subscribe:
		s.bean(m.EventName, true).add(sess)
	case message.Unsubscribe:
		if b := s.bean(m.EventName, false); b != nil {
			b.remove(sess)
		}
	case message.Publish:
		args := m.Args
		if args == nil {
			args = &message.EventArgs{}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx := withPublisher(context.Background(), sess, m.EventName)
			if err := s.events.RaiseEvent(ctx, m.EventName, args); err != nil {
				s.logger.Warn("published event handler failed", zap.String("event", m.EventName), zap.Error(err))
			}
		}()
	case message.ComputeArgs:
		b := s.bean(m.EventName, false)
		if b == nil || !b.completeCompute(m.ComputeID, m.Args) {
			sess.logger.Debug("dropping compute reply", zap.String("event", m.EventName), zap.String("compute_id", m.ComputeID))
		}
	default:
		sess.logger.Warn("unexpected event frame", zap.String("event", m.EventName), zap.Stringer("flag", m.Flag))
	}
}

// bean returns the eventBean of name. With create, the first lookup creates it and attaches
// its broadcast handler to the target's event source.
func (s *Server) bean(name string, create bool) *eventBean {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beans[name]
	if ok || !create {
		return b
	}
	b = newEventBean(s, name)
	b.handlerID = s.events.AttachEvent(name, b.fire)
	s.beans[name] = b
	return b
}

func (s *Server) dropSession(sess *session) {
	sess.close()
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	beans := make([]*eventBean, 0, len(s.beans))
	for _, b := range s.beans {
		beans = append(beans, b)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.sessions.Dec()
	for _, b := range beans {
		b.remove(sess)
	}
}

// Subscribers returns the client ids subscribed to name, sorted.
func (s *Server) Subscribers(name string) []string {
	b := s.bean(name, false)
	if b == nil {
		return nil
	}
	var ids []string
	for _, sess := range b.subscribers() {
		ids = append(ids, sess.clientID())
	}
	slices.Sort(ids)
	return ids
}

// Sessions returns the number of open client connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops the server gracefully:
//  1. Deregister from the registry, so facades stop resolving to this server
//  2. Close the listener
//  3. Wait up to timeout for in-flight calls and publishes
//  4. Close every client connection
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	if s.cfg.Registry != nil {
		err = multierr.Append(err, s.cfg.Registry.Deregister(context.Background(), s.cfg.Service, s.cfg.AdvertiseAddr))
	}

	// Set the flag before closing so the Accept error is recognized as intentional.
	s.shutdown.Store(true)
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, errors.New("timeout waiting for ongoing requests to finish"))
	}

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		err = multierr.Append(err, sess.close())
	}
	return err
}

// contextWithTrace carries a propagated trace id into the target method's context.
func contextWithTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, Remote: true})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
