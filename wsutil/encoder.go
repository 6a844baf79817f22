package wsutil

import (
	"github.com/gobwas/pool/pbytes"
	"github.com/relaymesh/ws"
)

// normalizeOpCode returns def for zero op and ws.OpText for op which does
// not fit into 4 bits.
func normalizeOpCode(op, def ws.OpCode) ws.OpCode {
	switch {
	case op == 0:
		return def
	case !op.IsValid():
		return ws.OpText
	}
	return op
}

// Fragment returns wire representation of data message p.
//
// If fragmentSize is positive, p is split into frames carrying at most
// fragmentSize bytes each. Only the first frame has op as its opcode, the
// rest are continuation frames; only the last frame has fin bit set. If
// masking is true, every frame is masked with its own random key.
//
// Frames are allocated from pbytes pool; caller may return them there with
// pbytes.Put() when they are written.
func Fragment(p []byte, op ws.OpCode, fragmentSize int, masking bool) ([][]byte, error) {
	if fragmentSize <= 0 || fragmentSize > len(p) {
		fragmentSize = len(p)
	}
	n := 1
	if fragmentSize > 0 {
		n = (len(p) + fragmentSize - 1) / fragmentSize
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var (
			lo  = i * fragmentSize
			hi  = min(lo+fragmentSize, len(p))
			fop = ws.OpContinuation
		)
		if i == 0 {
			fop = op
		}
		bts, err := buildFrame(fop, i == n-1, p[lo:hi], masking)
		if err != nil {
			for _, f := range frames {
				pbytes.Put(f)
			}
			return nil, err
		}
		frames = append(frames, bts)
	}
	return frames, nil
}

// ControlFrame returns wire representation of control frame with opcode op.
// Payload is cropped to ws.MaxControlFramePayloadSize bytes.
func ControlFrame(op ws.OpCode, p []byte, masking bool) []byte {
	if len(p) > ws.MaxControlFramePayloadSize {
		p = p[:ws.MaxControlFramePayloadSize]
	}
	bts, err := buildFrame(op, true, p, masking)
	if err != nil {
		// Cropped payload always fits into header.
		panic(err)
	}
	return bts
}

func buildFrame(op ws.OpCode, fin bool, p []byte, masking bool) ([]byte, error) {
	h := ws.Header{
		Fin:    fin,
		OpCode: op,
		Length: int64(len(p)),
	}
	if masking {
		h.Masked = true
		h.Mask = ws.NewMask()
	}
	n := ws.HeaderSize(h)
	if n < 0 {
		return nil, ws.ErrHeaderLengthUnexpected
	}
	bts, err := ws.AppendHeader(pbytes.GetCap(n+len(p)), h)
	if err != nil {
		pbytes.Put(bts)
		return nil, err
	}
	bts = append(bts, p...)
	if masking {
		ws.Cipher(bts[n:], h.Mask, 0)
	}
	return bts, nil
}
