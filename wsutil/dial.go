package wsutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/ws"
)

// DialConfig contains options for client connection.
type DialConfig struct {
	// Dialer contains handshake options such as subprotocols, extensions and
	// user agent.
	ws.Dialer

	// Secure makes connection to be established over TLS. It is implied by
	// "wss://" host prefix.
	Secure bool

	// TLSConfig is used when connection is secure. If nil, the default
	// configuration is used with ServerName set to the host name.
	TLSConfig *tls.Config

	// NetDial is used to establish transport connection. If nil,
	// net.Dialer.DialContext is used.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Masking overrides default client side masking.
	Masking *bool

	OnMessage func(*Conn, Message)
	OnOpen    func(*Conn, error)
	OnClose   func(*Conn, error)

	SkipHeaderCheck bool
	MaxMessageSize  int64
	ReadBufferSize  int
	KeepAlivePeriod time.Duration

	// OnRequest and OnResponse are the callbacks that will be called with
	// the raw handshake request and response bytes respectively. They are
	// meant for debugging.
	OnRequest, OnResponse func([]byte)

	Logger *zap.Logger
}

// aLongTimeAgo is a non-zero time, far in the past, used for immediate
// cancelation of dials.
var aLongTimeAgo = time.Unix(42, 0)

// Dial connects to host and upgrades connection to WebSocket acting as a
// client.
//
// The host is either "host:port" or a url like "ws://host:port/path". Port
// defaults to 80, or to 443 for secure connections. Host header is derived
// from the remote endpoint of established connection.
//
// Any failure is returned as *ws.OpError with "websocket.clientConnect"
// operation wrapping ws.ErrConnectionAborted, and is passed to OnOpen too.
func Dial(ctx context.Context, host string, cfg DialConfig) (conn *Conn, err error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	addr, secure := dialAddr(host, cfg.Secure)

	var remote ws.Endpoint
	defer func() {
		if err == nil {
			return
		}
		err = &ws.OpError{
			Op:   "websocket.clientConnect",
			Code: ws.CodeConnectionAborted,
			Addr: remote,
			Err:  fmt.Errorf("%w: %w", ws.ErrConnectionAborted, err),
		}
		log.Debug("handshake failed", zap.String("host", host), zap.Error(err))
		if cfg.OnOpen != nil {
			cfg.OnOpen(nil, err)
		}
	}()

	netDial := cfg.NetDial
	if netDial == nil {
		var d net.Dialer
		netDial = d.DialContext
	}
	nc, err := netDial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	remote = ws.EndpointOf(nc.RemoteAddr())

	var t Transport = nc
	if secure {
		tc := cfg.TLSConfig
		if tc == nil {
			h, _, _ := net.SplitHostPort(addr)
			tc = &tls.Config{ServerName: h}
		}
		tlsConn := tls.Client(nc, tc)
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, err
		}
		t = tlsConn
	}

	hs, rest, err := upgrade(ctx, nc, t, cfg, ws.HostHeader(remote), ws.ResourceName(host))
	if err != nil {
		t.Close()
		return nil, err
	}

	return Extend(t, rest, Config{
		State:           ws.StateClientSide,
		Masking:         cfg.Masking,
		Handshake:       hs,
		OnMessage:       cfg.OnMessage,
		OnOpen:          cfg.OnOpen,
		OnClose:         cfg.OnClose,
		SkipHeaderCheck: cfg.SkipHeaderCheck,
		MaxMessageSize:  cfg.MaxMessageSize,
		ReadBufferSize:  cfg.ReadBufferSize,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		Logger:          log,
	}), nil
}

// upgrade makes client handshake over t. Deadlines are set on nc which is
// the raw connection under t.
func upgrade(ctx context.Context, nc net.Conn, t Transport, cfg DialConfig, host, resource string) (hs ws.Handshake, rest []byte, err error) {
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
		defer nc.SetDeadline(time.Time{})
	}
	if ctx.Done() != nil {
		var (
			done      = make(chan struct{})
			interrupt = make(chan error, 1)
		)
		defer func() {
			close(done)
			// Prefer context error when i/o was interrupted by us.
			if ctxErr := <-interrupt; ctxErr != nil && (err == nil || isTimeoutError(err)) {
				err = ctxErr
			}
		}()
		go func() {
			select {
			case <-done:
				interrupt <- nil
			case <-ctx.Done():
				// Cancel i/o immediately.
				nc.SetDeadline(aLongTimeAgo)
				interrupt <- ctx.Err()
			}
		}()
	}

	var rw io.ReadWriter = t
	if cfg.OnRequest != nil || cfg.OnResponse != nil {
		rec := &recorder{rw: t}
		defer func() {
			if cfg.OnRequest != nil {
				cfg.OnRequest(rec.req.Bytes())
			}
			if cfg.OnResponse != nil {
				cfg.OnResponse(rec.responseHead())
			}
		}()
		rw = rec
	}
	return cfg.Dialer.Upgrade(rw, host, resource)
}

// recorder copies handshake i/o into buffers.
type recorder struct {
	rw       io.ReadWriter
	req, res bytes.Buffer
}

func (r *recorder) Read(p []byte) (int, error) {
	n, err := r.rw.Read(p)
	r.res.Write(p[:n])
	return n, err
}

func (r *recorder) Write(p []byte) (int, error) {
	r.req.Write(p)
	return r.rw.Write(p)
}

// responseHead returns recorded response without bytes which were read
// after its head.
func (r *recorder) responseHead() []byte {
	bts := r.res.Bytes()
	if i := bytes.Index(bts, []byte("\r\n\r\n")); i != -1 {
		return bts[:i+4]
	}
	return bts
}

func isTimeoutError(err error) bool {
	t, ok := err.(net.Error)
	return ok && t.Timeout()
}

// dialAddr returns host:port address to dial for given host string and
// whether connection must be secure.
func dialAddr(host string, secure bool) (string, bool) {
	switch {
	case strings.HasPrefix(host, "wss://"):
		secure = true
		host = host[len("wss://"):]
	case strings.HasPrefix(host, "ws://"):
		host = host[len("ws://"):]
	}
	if i := strings.IndexAny(host, "/?"); i != -1 {
		host = host[:i]
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	return host, secure
}
