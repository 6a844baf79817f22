package wsutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/relaymesh/ws"
)

// gatedTransport makes every Write wait for a release token.
type gatedTransport struct {
	writing chan struct{}
	release chan struct{}
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		writing: make(chan struct{}, 16),
		release: make(chan struct{}),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (g *gatedTransport) Write(p []byte) (int, error) {
	g.writing <- struct{}{}
	select {
	case <-g.release:
	case <-g.closed:
		return 0, io.ErrClosedPipe
	}
	g.written <- append([]byte(nil), p...)
	return len(p), nil
}

func (g *gatedTransport) Read(p []byte) (int, error) {
	<-g.closed
	return 0, io.EOF
}

func (g *gatedTransport) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

func (g *gatedTransport) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

func (g *gatedTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}
}

func TestConnControlFramePriority(t *testing.T) {
	g := newGatedTransport()
	c := Extend(g, nil, Config{
		State: ws.StateServerSide,
	})
	defer c.Close()

	if err := c.Send([]byte("aaabbbccc"), ws.OpText, 3); err != nil {
		t.Fatal(err)
	}
	// Wait for the first fragment to be in flight.
	<-g.writing
	if s := c.Status(); s != StatusPending {
		t.Errorf("Status() = %s; want %s", s, StatusPending)
	}
	c.Ping(time.Minute, func(time.Duration, error) {})
	close(g.release)

	var ops []ws.OpCode
	for i := 0; i < 4; i++ {
		f, err := ws.ReadFrame(bytes.NewReader(<-g.written))
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, f.Header.OpCode)
	}
	exp := []ws.OpCode{ws.OpText, ws.OpPing, ws.OpContinuation, ws.OpContinuation}
	for i := range exp {
		if ops[i] != exp[i] {
			t.Fatalf("wire order = %v; want %v", ops, exp)
		}
	}
}

// peer is the remote side of net.Pipe based connection.
type peer struct {
	conn net.Conn
	dec  Decoder
}

func (p *peer) read(t *testing.T) Message {
	m, err := ReadMessage(p.conn, &p.dec)
	if err != nil {
		t.Errorf("peer read error: %v", err)
	}
	return m
}

func pipeConn(t *testing.T, cfg Config) (*Conn, *peer) {
	a, b := net.Pipe()
	c := Extend(a, nil, cfg)
	t.Cleanup(func() {
		b.Close()
		c.Close()
	})
	return c, &peer{conn: b}
}

func TestConnPingPong(t *testing.T) {
	c, p := pipeConn(t, Config{
		State:     ws.StateServerSide,
		OnMessage: func(*Conn, Message) {},
	})

	go func() {
		m := p.read(t)
		if m.OpCode != ws.OpPing {
			t.Errorf("peer got %s; want ping", m.OpCode)
			return
		}
		time.Sleep(50 * time.Millisecond)
		WriteClientMessage(p.conn, ws.OpPong, m.Payload)
	}()

	var calls int32
	done := make(chan error, 1)
	var rtt time.Duration
	c.Ping(100*time.Millisecond, func(d time.Duration, err error) {
		rtt = d
		if atomic.AddInt32(&calls, 1) == 1 {
			done <- err
		}
	})
	if err := <-done; err != nil {
		t.Fatalf("ping error: %v", err)
	}
	if rtt < 50*time.Millisecond {
		t.Errorf("rtt = %s; want at least 50ms", rtt)
	}
	// Let the ttl pass to ensure there is no second outcome.
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("callback called %d times; want 1", n)
	}
}

func TestConnPingTimeout(t *testing.T) {
	c, p := pipeConn(t, Config{
		State:     ws.StateClientSide,
		OnMessage: func(*Conn, Message) {},
	})
	go p.read(t) // Read ping and never answer.

	var calls int32
	done := make(chan error, 1)
	start := time.Now()
	c.Ping(100*time.Millisecond, func(_ time.Duration, err error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			done <- err
		}
	})
	err := <-done
	if !errors.Is(err, ws.ErrPingTimeout) {
		t.Fatalf("ping error = %v; want %v", err, ws.ErrPingTimeout)
	}
	var opErr *ws.OpError
	if !errors.As(err, &opErr) || opErr.Code != ws.CodeTimedOut {
		t.Errorf("ping error is not timed out *ws.OpError: %#v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("timed out after %s; want at least 100ms", elapsed)
	}
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("callback called %d times; want 1", n)
	}
}

func TestConnPingWait(t *testing.T) {
	c, p := pipeConn(t, Config{
		State:     ws.StateServerSide,
		OnMessage: func(*Conn, Message) {},
	})
	go func() {
		m := p.read(t)
		WriteClientMessage(p.conn, ws.OpPong, m.Payload)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.PingWait(ctx, time.Second); err != nil {
		t.Fatalf("PingWait() error: %v", err)
	}
}

func TestConnAnswersPing(t *testing.T) {
	_, p := pipeConn(t, Config{
		State:     ws.StateServerSide,
		OnMessage: func(*Conn, Message) {},
	})
	go WriteClientMessage(p.conn, ws.OpPing, []byte("are you there"))
	m := p.read(t)
	if m.OpCode != ws.OpPong || string(m.Payload) != "are you there" {
		t.Errorf("got %s %q; want pong with the same payload", m.OpCode, m.Payload)
	}
}

func TestConnCloseEcho(t *testing.T) {
	var (
		messages int32
		closed   = make(chan error, 1)
	)
	c, p := pipeConn(t, Config{
		State: ws.StateServerSide,
		OnMessage: func(*Conn, Message) {
			atomic.AddInt32(&messages, 1)
		},
		OnClose: func(_ *Conn, err error) {
			closed <- err
		},
	})

	payload := ws.NewCloseFrameData(ws.StatusGoingAway, "bye")
	var stream bytes.Buffer
	WriteClientMessage(&stream, ws.OpClose, payload)
	WriteClientMessage(&stream, ws.OpText, []byte("after close"))
	go p.conn.Write(stream.Bytes())

	f, err := ws.ReadFrame(p.conn)
	if err != nil {
		t.Fatal(err)
	}
	if f.Header.OpCode != ws.OpClose || !f.Header.Fin {
		t.Fatalf("unexpected echo header: %+v", f.Header)
	}
	if f.Header.Masked {
		t.Errorf("echo is masked")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("echo payload = %q; want %q", f.Payload, payload)
	}

	select {
	case err := <-closed:
		var ce ClosedError
		if !errors.As(err, &ce) || ce.Code != ws.StatusGoingAway || ce.Reason != "bye" {
			t.Errorf("OnClose error = %v; want %v", err, ClosedError{ws.StatusGoingAway, "bye"})
		}
	case <-time.After(time.Second):
		t.Fatal("transport was not closed after close echo")
	}
	<-c.Done()
	if n := atomic.LoadInt32(&messages); n != 0 {
		t.Errorf("%d messages dispatched after close frame", n)
	}
	if s := c.Status(); s != StatusClosed {
		t.Errorf("Status() = %s; want %s", s, StatusClosed)
	}
}

// TestConnCloseEchoClient checks that client side echoes close frame masked
// like any other frame it sends.
func TestConnCloseEchoClient(t *testing.T) {
	closed := make(chan error, 1)
	c, p := pipeConn(t, Config{
		State:     ws.StateClientSide,
		OnMessage: func(*Conn, Message) {},
		OnClose: func(_ *Conn, err error) {
			closed <- err
		},
	})

	payload := ws.NewCloseFrameData(ws.StatusNormalClosure, "done")
	go WriteServerMessage(p.conn, ws.OpClose, payload)

	f, err := ws.ReadFrame(p.conn)
	if err != nil {
		t.Fatal(err)
	}
	if f.Header.OpCode != ws.OpClose {
		t.Fatalf("unexpected echo header: %+v", f.Header)
	}
	if !f.Header.Masked {
		t.Fatalf("echo from client is not masked")
	}
	ws.Cipher(f.Payload, f.Header.Mask, 0)
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("unmasked echo payload = %q; want %q", f.Payload, payload)
	}

	select {
	case err := <-closed:
		var ce ClosedError
		if !errors.As(err, &ce) || ce.Code != ws.StatusNormalClosure {
			t.Errorf("OnClose error = %v; want %v", err, ClosedError{ws.StatusNormalClosure, "done"})
		}
	case <-time.After(time.Second):
		t.Fatal("transport was not closed after close echo")
	}
	<-c.Done()
}

func TestConnProtocolViolation(t *testing.T) {
	closed := make(chan error, 1)
	core, logs := observer.New(zap.WarnLevel)
	_, p := pipeConn(t, Config{
		State:     ws.StateServerSide,
		OnMessage: func(*Conn, Message) {},
		OnClose: func(_ *Conn, err error) {
			closed <- err
		},
		Logger: zap.New(core),
	})
	go p.conn.Write([]byte{0x83, 0x00})

	m := p.read(t)
	if m.OpCode != ws.OpClose {
		t.Fatalf("got %s; want close frame", m.OpCode)
	}
	if code, _ := ws.ParseCloseFrameData(m.Payload); code != ws.StatusProtocolError {
		t.Errorf("close code = %d; want %d", code, ws.StatusProtocolError)
	}
	if err := <-closed; err != ws.ErrProtocolOpCodeReserved {
		t.Errorf("OnClose error = %v; want %v", err, ws.ErrProtocolOpCodeReserved)
	}
	if n := logs.FilterMessage("protocol violation").Len(); n != 1 {
		t.Errorf("logged %d protocol violations; want 1", n)
	}
}

func TestConnCloseReservedCode(t *testing.T) {
	closed := make(chan error, 1)
	_, p := pipeConn(t, Config{
		State:     ws.StateServerSide,
		OnMessage: func(*Conn, Message) {},
		OnClose: func(_ *Conn, err error) {
			closed <- err
		},
	})
	go WriteClientMessage(p.conn, ws.OpClose, ws.NewCloseFrameData(ws.StatusNoStatusRcvd, ""))

	m := p.read(t)
	if code, _ := ws.ParseCloseFrameData(m.Payload); m.OpCode != ws.OpClose || code != ws.StatusProtocolError {
		t.Errorf("got %s with code %d; want close with %d", m.OpCode, code, ws.StatusProtocolError)
	}
	if err := <-closed; err != ws.ErrProtocolStatusCodeReserved {
		t.Errorf("OnClose error = %v; want %v", err, ws.ErrProtocolStatusCodeReserved)
	}
}

func TestConnMessages(t *testing.T) {
	got := make(chan Message, 2)
	c, p := pipeConn(t, Config{
		State: ws.StateServerSide,
		OnMessage: func(_ *Conn, m Message) {
			got <- m
		},
	})
	if s := c.Status(); s != StatusOpen {
		t.Errorf("Status() = %s; want %s", s, StatusOpen)
	}

	frames, err := Fragment([]byte("fragmented"), ws.OpText, 4, true)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for _, f := range frames {
			p.conn.Write(f)
		}
		WriteClientMessage(p.conn, ws.OpBinary, []byte{1, 2, 3})
	}()

	if m := <-got; m.OpCode != ws.OpText || string(m.Payload) != "fragmented" {
		t.Errorf("first message = %s %q", m.OpCode, m.Payload)
	}
	if m := <-got; m.OpCode != ws.OpBinary || !bytes.Equal(m.Payload, []byte{1, 2, 3}) {
		t.Errorf("second message = %s %v", m.OpCode, m.Payload)
	}

	// Server side does not mask by default.
	go c.SendText("hello", 0)
	bts := make([]byte, 7)
	if _, err := io.ReadFull(p.conn, bts); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bts, []byte{0x81, 0x05, 'h', 'e', 'l', 'l', 'o'}) {
		t.Errorf("wire = %x", bts)
	}
}

func TestConnClosed(t *testing.T) {
	c, p := pipeConn(t, Config{State: ws.StateClientSide})
	go io.Copy(io.Discard, p.conn)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := c.SendText("late", 0); !errors.Is(err, ws.ErrConnectionAborted) {
		t.Errorf("Send() after Close() error = %v; want %v", err, ws.ErrConnectionAborted)
	}
	var pingErr error
	c.Ping(time.Second, func(_ time.Duration, err error) {
		pingErr = err
	})
	if !errors.Is(pingErr, ws.ErrConnectionAborted) {
		t.Errorf("Ping() after Close() error = %v; want %v", pingErr, ws.ErrConnectionAborted)
	}
}

func TestConnMasking(t *testing.T) {
	masked := false
	for _, test := range []struct {
		name   string
		state  ws.State
		over   *bool
		expect bool
	}{
		{"client", ws.StateClientSide, nil, true},
		{"server", ws.StateServerSide, nil, false},
		{"client override", ws.StateClientSide, &masked, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, p := pipeConn(t, Config{State: test.state, Masking: test.over})
			go c.Write([]byte("data"))
			h, err := ws.ReadHeader(p.conn)
			if err != nil {
				t.Fatal(err)
			}
			if h.Masked != test.expect {
				t.Errorf("masked = %v; want %v", h.Masked, test.expect)
			}
			if h.OpCode != ws.OpBinary {
				t.Errorf("opcode = %s; want binary", h.OpCode)
			}
			io.CopyN(io.Discard, p.conn, h.Length)
		})
	}
}
