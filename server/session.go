package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"remoting/codec"
	"remoting/message"
	"remoting/transport"
)

var errSessionClosed = errors.New("remoting: session closed")

// session is the server side of one client connection. A single goroutine reads frames;
// writes from call, publish and broadcast goroutines are serialized by writeMu.
type session struct {
	srv    *Server
	conn   net.Conn
	logger *zap.Logger

	codecType atomic.Uint32 // codec of the last frame received, used for replies
	meta      atomic.Pointer[message.MetadataMessage]
	closed    atomic.Bool

	writeMu sync.Mutex
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		logger: srv.logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// version returns the handshake event version, and false before the handshake.
func (s *session) version() (int, bool) {
	m := s.meta.Load()
	if m == nil {
		return 0, false
	}
	return m.EventVersion, true
}

func (s *session) clientID() string {
	if m := s.meta.Load(); m != nil {
		return m.ClientID
	}
	return ""
}

func (s *session) connected() bool {
	return !s.closed.Load()
}

func (s *session) send(msg message.Message) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.Timeout))
	return transport.WriteMessage(s.conn, codec.CodecType(s.codecType.Load()), msg)
}

// serve reads frames until the connection fails. TCP is a byte stream, so frames must be
// read sequentially; their handling is dispatched by the server.
func (s *session) serve() {
	defer s.srv.dropSession(s)
	for {
		msg, ct, err := transport.ReadMessage(s.conn)
		if err != nil {
			if !s.closed.Load() {
				s.logger.Debug("session ended", zap.Error(err))
			}
			return
		}
		s.codecType.Store(uint32(ct))
		if msg == nil {
			continue // heartbeat
		}
		s.srv.dispatch(s, msg)
	}
}

func (s *session) close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

type publisherKey struct{}

type publication struct {
	from  *session
	event string
}

// withPublisher marks ctx as the firing of name caused by a PUBLISH from s.
func withPublisher(ctx context.Context, s *session, name string) context.Context {
	return context.WithValue(ctx, publisherKey{}, publication{from: s, event: name})
}

// publisherFrom returns the publishing session if ctx is a published firing of name.
func publisherFrom(ctx context.Context, name string) *session {
	p, ok := ctx.Value(publisherKey{}).(publication)
	if !ok || p.event != name {
		return nil
	}
	return p.from
}
