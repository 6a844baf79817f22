package wsutil

import (
	"github.com/relaymesh/ws"
)

// Message represents a message from peer, that could be presented in one or
// more frames. That is, it contains payload of all message fragments and
// operation code of initial frame for this message.
type Message struct {
	OpCode  ws.OpCode
	Payload []byte
}

// Decoder reassembles frames from byte chunks of arbitrary size.
//
// Bytes are appended with Feed(); complete frames are taken with
// NextFrame(). A header or payload split between chunks stays buffered
// until the rest of it arrives. Data frames are glued into messages by
// Assemble().
//
// Note that Decoder's methods are not goroutine safe.
type Decoder struct {
	// FrameCheck validates incoming headers. Side bits of its State enable
	// masking direction checks; StateExtended permits non-zero rsv bits.
	ws.FrameCheck

	buf []byte // Not yet parsed bytes.

	frag    []byte // Payload of message fragments received so far.
	fragOp  ws.OpCode
	started bool
}

// Feed appends p to the decoder buffer. The p is copied and may be reused
// after return.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns number of bytes fed but not consumed as frames yet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// NextFrame returns next complete frame from the buffer. It returns false
// if more bytes are needed. Returned frame payload is unmasked and owned by
// the caller.
//
// Non-nil error means that peer violated the protocol; the decoder must
// not be used after that.
func (d *Decoder) NextFrame() (f ws.Frame, ok bool, err error) {
	h, n, err := ws.ParseHeader(d.buf)
	if err == ws.ErrHeaderShort {
		return f, false, nil
	}
	if err != nil {
		return f, false, err
	}
	if err = d.Check(h); err != nil {
		return f, false, err
	}
	if int64(len(d.buf)-n) < h.Length {
		return f, false, nil
	}

	// int(h.Length) is safe here because ParseHeader rejects lengths
	// above ws.MaxPayloadSize.
	end := n + int(h.Length)
	f.Header = h
	f.Payload = make([]byte, int(h.Length))
	copy(f.Payload, d.buf[n:end])
	if h.Masked {
		ws.Cipher(f.Payload, h.Mask, 0)
	}
	d.buf = d.buf[:copy(d.buf, d.buf[end:])]

	d.Advance(h)

	return f, true, nil
}

// Assemble glues data frame f into message. It returns true when f is the
// final frame of a message. The message carries opcode of its first frame
// and payload of all its frames in order.
//
// Control frames are returned as is.
func (d *Decoder) Assemble(f ws.Frame) (Message, bool) {
	if f.Header.OpCode.IsControl() {
		return Message{f.Header.OpCode, f.Payload}, true
	}
	if !d.started {
		if f.Header.Fin {
			// The most common case of unfragmented message.
			return Message{f.Header.OpCode, f.Payload}, true
		}
		d.started = true
		d.fragOp = f.Header.OpCode
	}
	d.frag = append(d.frag, f.Payload...)
	if !f.Header.Fin {
		return Message{}, false
	}
	m := Message{d.fragOp, d.frag}
	d.frag = nil
	d.started = false
	return m, true
}
