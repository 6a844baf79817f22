// Package wsutil provides WebSocket connection management on top of the
// ws package: message encoding and reassembly, send queue, ping/pong
// bookkeeping, client dialing and a server.
package wsutil

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gbrlsnchs/uuid"
	"github.com/gobwas/pool/pbytes"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaymesh/ws"
)

// Defaults used when Config fields are zero.
const (
	DefaultReadBufferSize  = 4096
	DefaultKeepAlivePeriod = 15 * time.Second
	DefaultCloseTimeout    = 5 * time.Second
)

// Transport is a promoted byte stream connection.
type Transport interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Status describes ability of connection to accept frames.
type Status uint8

// Connection statuses.
const (
	// StatusOpen means that connection is idle and send queue is empty.
	StatusOpen Status = iota
	// StatusPending means that some frames are queued or being written.
	StatusPending
	// StatusClosed means that transport is closed.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPending:
		return "pending"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClosedError is passed to Config.OnClose when peer has closed the
// connection with close frame.
type ClosedError struct {
	Code   ws.StatusCode
	Reason string
}

// Error implements error interface.
func (err ClosedError) Error() string {
	return "ws closed: " + strconv.FormatUint(uint64(err.Code), 10) + " " + err.Reason
}

// Config contains options of promoted connection.
type Config struct {
	// State must contain either ws.StateClientSide or ws.StateServerSide.
	State ws.State

	// Masking overrides masking of outgoing frames. By default client side
	// masks frames and server side does not.
	Masking *bool

	// Handshake holds values exchanged during opening handshake.
	Handshake ws.Handshake

	// OnMessage is called from the read goroutine with every complete data
	// message. If it is nil, connection does not read from transport at
	// all.
	OnMessage func(c *Conn, m Message)

	// OnOpen is called once when connection is promoted.
	OnOpen func(c *Conn, err error)

	// OnClose is called once when transport is closed. The err is
	// ClosedError if peer sent close frame, protocol error if peer violated
	// the protocol and nil after Close().
	OnClose func(c *Conn, err error)

	// SkipHeaderCheck disables validation of incoming frame headers.
	SkipHeaderCheck bool

	// MaxMessageSize limits reassembled message size. Zero means no limit.
	MaxMessageSize int64

	// ReadBufferSize is the size of transport read chunk.
	ReadBufferSize int

	// KeepAlivePeriod is used to enable TCP keep-alive on transport. If
	// negative, keep-alive is left untouched.
	KeepAlivePeriod time.Duration

	// Logger is used for connection events. If nil, nothing is logged.
	Logger *zap.Logger
}

func (c Config) masking() bool {
	if c.Masking != nil {
		return *c.Masking
	}
	return c.State.Is(ws.StateClientSide)
}

type pendingPing struct {
	cb    func(time.Duration, error)
	start time.Time
	ttl   time.Duration
	timer *time.Timer
}

// Conn is a promoted WebSocket connection.
//
// Outgoing frames are written by a single goroutine which drains the send
// queue; control frames are put in front of the queue. Incoming frames are
// read by another goroutine if Config.OnMessage is set.
type Conn struct {
	t       Transport
	id      string
	state   ws.State
	masking bool
	addrs   ws.Addresses
	hs      ws.Handshake
	log     *zap.Logger
	dec     Decoder

	onMessage func(*Conn, Message)
	onClose   func(*Conn, error)

	mu      sync.Mutex
	status  Status
	queue   [][]byte
	closing bool // Close frame is queued; transport is closed when queue is flushed.
	cause   error
	pings   map[string]*pendingPing
	seq     uint64

	wake chan struct{}
	done chan struct{}
	once sync.Once
	err  error // Reason of shutdown.
	terr error // Transport close error.
}

// Extend promotes transport t to WebSocket connection. The rest bytes are
// the bytes received after handshake head; they are decoded before anything
// read from t.
func Extend(t Transport, rest []byte, cfg Config) *Conn {
	c := &Conn{
		t:         t,
		id:        newID(),
		state:     cfg.State,
		masking:   cfg.masking(),
		addrs:     ws.AddressesOf(t),
		hs:        cfg.Handshake,
		onMessage: cfg.OnMessage,
		onClose:   cfg.OnClose,
		pings:     make(map[string]*pendingPing),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		dec: Decoder{FrameCheck: ws.FrameCheck{
			SkipHeaderCheck: cfg.SkipHeaderCheck,
			MaxMessageSize:  cfg.MaxMessageSize,
		}},
	}
	if c.hs.Extensions != "" {
		c.dec.State = c.dec.State.Set(ws.StateExtended)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c.log = log.With(
		zap.String("conn", c.id),
		zap.Stringer("role", c.state),
		zap.Stringer("remote", c.addrs.Remote),
	)

	if period := cfg.KeepAlivePeriod; period >= 0 {
		if period == 0 {
			period = DefaultKeepAlivePeriod
		}
		if err := enableKeepAlive(t, period); err != nil {
			c.log.Debug("keep-alive not enabled", zap.Error(err))
		}
	}

	go c.writeLoop()
	c.log.Debug("connection open", zap.Bool("masking", c.masking))

	if cfg.OnOpen != nil {
		cfg.OnOpen(c, nil)
	}
	if c.onMessage != nil {
		size := cfg.ReadBufferSize
		if size <= 0 {
			size = DefaultReadBufferSize
		}
		go c.readLoop(rest, size)
	}
	return c
}

func newID() string {
	guid, err := uuid.GenerateV4(nil)
	if err != nil {
		// Fallback to the mask entropy source.
		m1, m2 := ws.NewMask(), ws.NewMask()
		return hex.EncodeToString(append(m1[:], m2[:]...))
	}
	return hex.EncodeToString(guid[:])
}

type keepAliver interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

func enableKeepAlive(t Transport, period time.Duration) error {
	var conn any = t
	if tc, ok := t.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	ka, ok := conn.(keepAliver)
	if !ok {
		return errors.New("transport does not support keep-alive")
	}
	return multierr.Append(
		ka.SetKeepAlive(true),
		ka.SetKeepAlivePeriod(period),
	)
}

// ID returns unique connection identifier.
func (c *Conn) ID() string { return c.id }

// State returns side of the connection.
func (c *Conn) State() ws.State { return c.state }

// Handshake returns values exchanged during opening handshake.
func (c *Conn) Handshake() ws.Handshake { return c.hs }

// Addresses returns endpoints of the transport.
func (c *Conn) Addresses() ws.Addresses { return c.addrs }

// Transport returns underlying transport.
func (c *Conn) Transport() Transport { return c.t }

// Done returns channel which is closed when transport is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Status returns current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the reason of connection shutdown. It is nil until Done() is
// closed or if connection was closed with Close().
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send queues data message p with opcode op. Zero op means ws.OpBinary.
// If fragmentSize is positive, message is split into frames of at most
// fragmentSize bytes. Control opcodes are sent as a single frame ahead of
// queued data frames.
//
// Send does not wait for the frames to be written.
func (c *Conn) Send(p []byte, op ws.OpCode, fragmentSize int) error {
	op = normalizeOpCode(op, ws.OpBinary)
	if op.IsControl() {
		return c.enqueue([][]byte{ControlFrame(op, p, c.masking)}, true)
	}
	frames, err := Fragment(p, op, fragmentSize, c.masking)
	if err != nil {
		return err
	}
	return c.enqueue(frames, false)
}

// SendText queues text message s.
func (c *Conn) SendText(s string, fragmentSize int) error {
	return c.Send([]byte(s), ws.OpText, fragmentSize)
}

// Write queues p as a single binary frame. It implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Send(p, ws.OpBinary, 0); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) enqueue(frames [][]byte, front bool) error {
	c.mu.Lock()
	if c.status == StatusClosed || c.closing {
		c.mu.Unlock()
		putFrames(frames)
		return c.opError("websocket.send", ws.CodeConnectionAborted, ws.ErrConnectionAborted)
	}
	if front {
		c.queue = slices.Insert(c.queue, 0, frames...)
	} else {
		c.queue = append(c.queue, frames...)
	}
	c.status = StatusPending
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Conn) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			if c.status == StatusClosed {
				c.mu.Unlock()
				return
			}
			if len(c.queue) == 0 {
				c.status = StatusOpen
				closing, cause := c.closing, c.cause
				c.mu.Unlock()
				if closing {
					c.shutdown(cause)
					return
				}
				break
			}
			f := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			_, err := c.t.Write(f)
			pbytes.Put(f)
			if err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.shutdown(err)
				return
			}
		}
	}
}

// closeWith drops queued data frames, queues close frame with payload p and
// makes writer close transport after it is flushed. It reports false if
// connection is already closing.
func (c *Conn) closeWith(p []byte, cause error) bool {
	c.mu.Lock()
	if c.status == StatusClosed || c.closing {
		c.mu.Unlock()
		return false
	}
	putFrames(c.queue)
	c.queue = append(c.queue[:0], ControlFrame(ws.OpClose, p, c.masking))
	c.status = StatusPending
	c.closing = true
	c.cause = cause
	c.mu.Unlock()

	c.notify()
	return true
}

// Close sends normal closure frame and closes transport when it is
// written. It waits at most DefaultCloseTimeout for the frame to be
// flushed.
func (c *Conn) Close() (err error) {
	if c.closeWith(ws.NewCloseFrameData(ws.StatusNormalClosure, ""), nil) {
		c.log.Debug("closing")
	}
	select {
	case <-c.done:
	case <-time.After(DefaultCloseTimeout):
		err = c.opError("websocket.close", ws.CodeTimedOut, ws.ErrConnectionAborted)
		c.shutdown(err)
	}
	return multierr.Append(err, c.terr)
}

// shutdown closes transport and aborts pending pings. Only the first call
// has effect.
func (c *Conn) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.status = StatusClosed
		putFrames(c.queue)
		c.queue = nil
		pings := c.pings
		c.pings = make(map[string]*pendingPing)
		c.mu.Unlock()

		c.terr = c.t.Close()
		if errors.Is(c.terr, net.ErrClosed) {
			c.terr = nil
		}
		if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
			cause = nil
		}
		c.err = cause
		close(c.done)

		aborted := c.opError("websocket.ping", ws.CodeConnectionAborted, ws.ErrConnectionAborted)
		for _, p := range pings {
			p.timer.Stop()
			p.cb(0, aborted)
		}
		c.log.Debug("connection closed", zap.Error(c.err))
		if c.onClose != nil {
			c.onClose(c, c.err)
		}
	})
}

func (c *Conn) readLoop(rest []byte, size int) {
	if len(rest) > 0 {
		c.dec.Feed(rest)
		if !c.dispatch() {
			return
		}
	}
	buf := pbytes.GetLen(size)
	defer pbytes.Put(buf)
	for {
		n, err := c.t.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			if !c.dispatch() {
				return
			}
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

// dispatch handles all complete frames buffered in decoder. It returns
// false if connection must not be read anymore.
func (c *Conn) dispatch() bool {
	for {
		f, ok, err := c.dec.NextFrame()
		if err != nil {
			c.log.Warn("protocol violation", zap.Error(err))
			c.closeWith(ws.NewCloseFrameData(ws.StatusProtocolError, err.Error()), err)
			return false
		}
		if !ok {
			return true
		}
		switch op := f.Header.OpCode; {
		case op == ws.OpClose:
			code, reason := ws.ParseCloseFrameData(f.Payload)
			if code.Empty() {
				code = ws.StatusNoStatusRcvd
			} else if !c.dec.SkipHeaderCheck {
				if err := ws.CheckCloseFrameData(code, reason); err != nil {
					c.log.Warn("protocol violation", zap.Error(err))
					c.closeWith(ws.NewCloseFrameData(ws.StatusProtocolError, err.Error()), err)
					return false
				}
			}
			c.log.Debug("close received", zap.Uint16("code", uint16(code)), zap.String("reason", reason))
			c.closeWith(f.Payload, ClosedError{code, reason})
			return false

		case op == ws.OpPing:
			c.enqueue([][]byte{ControlFrame(ws.OpPong, f.Payload, c.masking)}, true)

		case op == ws.OpPong:
			c.handlePong(f.Payload)

		case op.IsControl():
			// Reserved control frame passed with SkipHeaderCheck.

		default:
			if m, ok := c.dec.Assemble(f); ok {
				c.onMessage(c, m)
			}
		}
	}
}

// Ping sends ping frame and calls cb with round trip time when matching
// pong is received. If no pong is received within ttl, cb is called with
// error wrapping ws.ErrPingTimeout. The cb is called exactly once.
//
// If connection is closing or closed, cb is called immediately with error
// wrapping ws.ErrConnectionAborted.
//
// Note that pong can only be received when connection reads from
// transport, that is, when Config.OnMessage is set.
func (c *Conn) Ping(ttl time.Duration, cb func(rtt time.Duration, err error)) {
	c.mu.Lock()
	if c.status == StatusClosed || c.closing {
		c.mu.Unlock()
		cb(0, c.opError("websocket.ping", ws.CodeConnectionAborted, ws.ErrConnectionAborted))
		return
	}
	c.seq++
	key := c.id + ":" + strconv.FormatUint(c.seq, 10)
	if len(key) > ws.MaxControlFramePayloadSize {
		key = key[:ws.MaxControlFramePayloadSize]
	}
	p := &pendingPing{
		cb:    cb,
		start: time.Now(),
		ttl:   ttl,
	}
	p.timer = time.AfterFunc(ttl, func() {
		c.expirePing(key, p)
	})
	c.pings[key] = p
	c.queue = slices.Insert(c.queue, 0, ControlFrame(ws.OpPing, []byte(key), c.masking))
	c.status = StatusPending
	c.mu.Unlock()

	c.notify()
}

// PingWait is like Ping but blocks until the outcome is known or ctx is
// done.
func (c *Conn) PingWait(ctx context.Context, ttl time.Duration) (time.Duration, error) {
	type result struct {
		rtt time.Duration
		err error
	}
	ch := make(chan result, 1)
	c.Ping(ttl, func(rtt time.Duration, err error) {
		ch <- result{rtt, err}
	})
	select {
	case r := <-ch:
		return r.rtt, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Conn) expirePing(key string, p *pendingPing) {
	c.mu.Lock()
	if c.pings[key] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pings, key)
	c.mu.Unlock()

	c.log.Debug("ping timed out", zap.String("ping", key), zap.Duration("ttl", p.ttl))
	p.cb(0, c.opError("websocket.ping", ws.CodeTimedOut, ws.ErrPingTimeout))
}

func (c *Conn) handlePong(payload []byte) {
	key := string(payload)
	c.mu.Lock()
	p, ok := c.pings[key]
	if ok {
		delete(c.pings, key)
	}
	c.mu.Unlock()
	if !ok {
		// Unsolicited pong serves as a unidirectional heartbeat.
		return
	}

	p.timer.Stop()
	rtt := time.Since(p.start)
	if rtt > p.ttl {
		p.cb(0, c.opError("websocket.ping", ws.CodeTimedOut, ws.ErrPingTimeout))
		return
	}
	p.cb(rtt, nil)
}

func (c *Conn) opError(op, code string, err error) error {
	return &ws.OpError{
		Op:   op,
		Code: code,
		Addr: c.addrs.Remote,
		Err:  err,
	}
}

func putFrames(frames [][]byte) {
	for _, f := range frames {
		pbytes.Put(f)
	}
}
