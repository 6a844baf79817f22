package wsutil

import (
	"io"

	"github.com/gobwas/pool/pbytes"
	"github.com/relaymesh/ws"
)

// ReadMessage is a helper function that reads next message from r using d
// to keep bytes which were read but not consumed yet. That is, calling it
// with the same decoder continues from where previous call stopped.
//
// Control frames are returned as separate messages, even if they are
// received between fragments of a data message.
func ReadMessage(r io.Reader, d *Decoder) (Message, error) {
	var buf []byte
	defer func() {
		if buf != nil {
			pbytes.Put(buf)
		}
	}()
	for {
		f, ok, err := d.NextFrame()
		if err != nil {
			return Message{}, err
		}
		if ok {
			if m, done := d.Assemble(f); done {
				return m, nil
			}
			continue
		}
		if buf == nil {
			buf = pbytes.GetLen(DefaultReadBufferSize)
		}
		n, err := r.Read(buf)
		d.Feed(buf[:n])
		if err != nil && (n == 0 || err != io.EOF) {
			if err == io.EOF && d.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
}

// ReadClientMessage reads next message from r, considering that caller
// represents server side.
func ReadClientMessage(r io.Reader, d *Decoder) (Message, error) {
	d.State = d.State.Set(ws.StateServerSide)
	return ReadMessage(r, d)
}

// ReadServerMessage reads next message from r, considering that caller
// represents client side.
func ReadServerMessage(r io.Reader, d *Decoder) (Message, error) {
	d.State = d.State.Set(ws.StateClientSide)
	return ReadMessage(r, d)
}

// WriteMessage is a helper function that writes message to the w. It
// constructs single frame with given operation code and payload.
// It uses given state to prepare side-dependent things, like cipher
// payload bytes from client to server. It will not mutate p bytes if
// cipher must be made.
func WriteMessage(w io.Writer, s ws.State, op ws.OpCode, p []byte) error {
	var bts []byte
	if op.IsControl() {
		bts = ControlFrame(op, p, s.Is(ws.StateClientSide))
	} else {
		frames, err := Fragment(p, op, 0, s.Is(ws.StateClientSide))
		if err != nil {
			return err
		}
		bts = frames[0]
	}
	defer pbytes.Put(bts)
	_, err := w.Write(bts)
	return err
}

// WriteServerMessage writes message to w, considering that caller
// represents server side.
func WriteServerMessage(w io.Writer, op ws.OpCode, p []byte) error {
	return WriteMessage(w, ws.StateServerSide, op, p)
}

// WriteClientMessage writes message to w, considering that caller
// represents client side.
func WriteClientMessage(w io.Writer, op ws.OpCode, p []byte) error {
	return WriteMessage(w, ws.StateClientSide, op, p)
}
