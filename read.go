package ws

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Errors used by frame reader.
var (
	ErrHeaderShort            = fmt.Errorf("header error: not enough bytes")
	ErrHeaderLengthMSB        = fmt.Errorf("header error: the most significant bit must be 0")
	ErrHeaderLengthUnexpected = fmt.Errorf("header error: unexpected payload length bits")
	ErrHeaderOpCodeUnexpected = fmt.Errorf("header error: op code does not fit into 4 bits")
)

// ParseHeader parses a frame header from the beginning of bts. It returns
// parsed header and the number of bytes it occupies.
//
// If bts does not contain the whole header yet, ErrHeaderShort is returned;
// the caller is expected to retry with more bytes appended.
func ParseHeader(bts []byte) (h Header, n int, err error) {
	if len(bts) < 2 {
		return h, 0, ErrHeaderShort
	}

	h.Fin = bts[0]&bit0 != 0
	h.Rsv = (bts[0] & 0x70) >> 4
	h.OpCode = OpCode(bts[0] & 0x0f)
	h.Masked = bts[1]&bit0 != 0

	n = 2
	length := bts[1] & 0x7f
	switch {
	case length < 126:
		h.Length = int64(length)

	case length == 126:
		if len(bts) < n+2 {
			return h, 0, ErrHeaderShort
		}
		h.Length = int64(binary.BigEndian.Uint16(bts[n:]))
		n += 2

	default:
		if len(bts) < n+8 {
			return h, 0, ErrHeaderShort
		}
		if bts[n]&bit0 != 0 {
			return h, 0, ErrHeaderLengthMSB
		}
		h.Length = int64(binary.BigEndian.Uint64(bts[n:]))
		if h.Length > MaxPayloadSize {
			return h, 0, ErrHeaderLengthUnexpected
		}
		n += 8
	}

	if h.Masked {
		if len(bts) < n+4 {
			return h, 0, ErrHeaderShort
		}
		copy(h.Mask[:], bts[n:n+4])
		n += 4
	}

	return h, n, nil
}

// ReadHeader reads a frame header from r.
func ReadHeader(r io.Reader) (h Header, err error) {
	// Make slice with 2 bytes len for header, but with the maximum header
	// capacity to read the rest of header without extra allocation.
	bts := make([]byte, 2, MaxHeaderSize)

	// Prepare to hold first 2 bytes to choose size of next read.
	if _, err = io.ReadFull(r, bts); err != nil {
		return
	}

	extra := 0
	if bts[1]&bit0 != 0 {
		extra += 4
	}
	switch bts[1] & 0x7f {
	case 126:
		extra += 2
	case 127:
		extra += 8
	}
	if extra > 0 {
		bts = bts[:2+extra]
		if _, err = io.ReadFull(r, bts[2:]); err != nil {
			return
		}
	}

	h, _, err = ParseHeader(bts)
	return
}

// ReadFrame reads a frame from r.
// It is not designed for high optimized use case cause it makes allocation
// for frame.Header.Length size inside to read frame payload into.
//
// Note that ReadFrame does not unmask payload.
func ReadFrame(r io.Reader) (f Frame, err error) {
	f.Header, err = ReadHeader(r)
	if err != nil {
		return
	}

	if f.Header.Length > 0 {
		// int(f.Header.Length) is safe here cause we have
		// checked the most significant bit in ParseHeader.
		f.Payload = make([]byte, int(f.Header.Length))
		_, err = io.ReadFull(r, f.Payload)
	}

	return
}
