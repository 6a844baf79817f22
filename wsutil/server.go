package wsutil

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaymesh/ws"
)

// DefaultHandshakeTimeout is used when Server.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 5 * time.Second

// ErrServerClosed is returned by Server's Serve and ListenAndServe methods
// after a call to Close.
var ErrServerClosed = errors.New("wsutil: server closed")

// Server accepts transport connections and upgrades them to WebSocket
// acting as a server.
type Server struct {
	// Addr is the address to listen on by ListenAndServe.
	Addr string

	// TLSConfig makes ListenAndServe to accept TLS connections.
	TLSConfig *tls.Config

	// Upgrader contains handshake options.
	Upgrader ws.Upgrader

	// HandshakeTimeout limits the time from accept until the upgrade request
	// is read. Connection is closed when it is exceeded.
	HandshakeTimeout time.Duration

	// ReadyTimeout limits the wait for OnConnect to call ready. Connection is
	// closed when it is exceeded. Zero means wait indefinitely.
	ReadyTimeout time.Duration

	// Masking overrides default server side masking.
	Masking *bool

	// OnConnect is called with parsed request before the response is sent.
	// Handshake response is deferred until ready is called. If nil,
	// response is sent immediately.
	OnConnect func(hs ws.Handshake, conn net.Conn, ready func())

	// OnListen is called once listener is ready.
	OnListen func(ln net.Listener)

	OnMessage func(*Conn, Message)
	OnOpen    func(*Conn, error)
	OnClose   func(*Conn, error)

	SkipHeaderCheck bool
	MaxMessageSize  int64
	ReadBufferSize  int
	KeepAlivePeriod time.Duration

	Logger *zap.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// ListenAndServe listens on TCP address s.Addr and serves accepted
// connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if s.TLSConfig != nil {
		ln = tls.NewListener(ln, s.TLSConfig)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln and serves each of them in a separate
// goroutine. It always returns non-nil error. Listener is closed on
// return.
func (s *Server) Serve(ln net.Listener) error {
	if !s.track(ln, nil) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrack(ln, nil)
	defer ln.Close()

	s.logger().Info("listening", zap.Stringer("addr", ln.Addr()))
	if s.OnListen != nil {
		s.OnListen(ln)
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Back off on temporary accept errors like net/http does.
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay = min(delay*2, time.Second)
				}
				s.logger().Warn("accept failed", zap.Error(err), zap.Duration("retry", delay))
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		go s.ServeConn(conn)
	}
}

// awaitReady passes the handshake to OnConnect and blocks until it calls
// ready. It returns false if ReadyTimeout elapses first.
func (s *Server) awaitReady(hs ws.Handshake, conn net.Conn, log *zap.Logger) bool {
	var (
		once  sync.Once
		ready = make(chan struct{})
	)
	s.OnConnect(hs, conn, func() {
		once.Do(func() { close(ready) })
	})
	if s.ReadyTimeout <= 0 {
		<-ready
		return true
	}
	timer := time.NewTimer(s.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return true
	case <-timer.C:
		log.Debug("connection was not marked ready", zap.Duration("timeout", s.ReadyTimeout))
		return false
	}
}

// ServeConn makes server handshake over conn and promotes it. It returns
// nil and closes conn if handshake fails.
func (s *Server) ServeConn(conn net.Conn) *Conn {
	if !s.track(nil, conn) {
		conn.Close()
		return nil
	}
	log := s.logger().With(zap.Stringer("remote", ws.EndpointOf(conn.RemoteAddr())))

	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	expired := time.AfterFunc(timeout, func() {
		log.Debug("handshake timed out", zap.Duration("timeout", timeout))
		conn.Close()
	})

	hs, rest, err := s.Upgrader.ReadRequest(conn)
	if err != nil {
		log.Debug("handshake rejected", zap.Error(err))
		if expired.Stop() && err != io.ErrUnexpectedEOF {
			ws.WriteBadRequest(conn, err)
		}
		s.drop(conn)
		return nil
	}
	if !expired.Stop() {
		// Deadline has fired and closed the connection.
		s.untrack(nil, conn)
		return nil
	}

	if s.OnConnect != nil && !s.awaitReady(hs, conn, log) {
		s.drop(conn)
		return nil
	}

	if err = s.Upgrader.WriteResponse(conn, hs); err != nil {
		log.Debug("handshake response failed", zap.Error(err))
		s.drop(conn)
		return nil
	}

	onClose := s.OnClose
	return Extend(conn, rest, Config{
		State:     ws.StateServerSide,
		Masking:   s.Masking,
		Handshake: hs,
		OnMessage: s.OnMessage,
		OnOpen:    s.OnOpen,
		OnClose: func(c *Conn, err error) {
			s.untrack(nil, conn)
			if onClose != nil {
				onClose(c, err)
			}
		},
		SkipHeaderCheck: s.SkipHeaderCheck,
		MaxMessageSize:  s.MaxMessageSize,
		ReadBufferSize:  s.ReadBufferSize,
		KeepAlivePeriod: s.KeepAlivePeriod,
		Logger:          s.logger(),
	})
}

// Close closes all listeners and connections tracked by server.
func (s *Server) Close() (err error) {
	s.mu.Lock()
	s.closed = true
	lns, conns := s.listeners, s.conns
	s.listeners, s.conns = nil, nil
	s.mu.Unlock()

	for ln := range lns {
		if e := ln.Close(); !errors.Is(e, net.ErrClosed) {
			err = multierr.Append(err, e)
		}
	}
	for conn := range conns {
		if e := conn.Close(); !errors.Is(e, net.ErrClosed) {
			err = multierr.Append(err, e)
		}
	}
	return err
}

func (s *Server) drop(conn net.Conn) {
	conn.Close()
	s.untrack(nil, conn)
}

func (s *Server) track(ln net.Listener, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if ln != nil {
		if s.listeners == nil {
			s.listeners = make(map[net.Listener]struct{})
		}
		s.listeners[ln] = struct{}{}
	}
	if conn != nil {
		if s.conns == nil {
			s.conns = make(map[net.Conn]struct{})
		}
		s.conns[conn] = struct{}{}
	}
	return true
}

func (s *Server) untrack(ln net.Listener, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln != nil {
		delete(s.listeners, ln)
	}
	if conn != nil {
		delete(s.conns, conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
