package ws

import (
	"encoding/binary"
	"io"
)

// Header size length bounds in bytes.
const (
	MaxHeaderSize = 14
	MinHeaderSize = 2
)

const (
	bit0 = 0x80
	bit1 = 0x40
	bit2 = 0x20
	bit3 = 0x10
	bit4 = 0x08
	bit5 = 0x04
	bit6 = 0x02
	bit7 = 0x01

	len7  = int64(125)
	len16 = int64(^(uint16(0)))
	len64 = int64(MaxPayloadSize)
)

// HeaderSize returns number of bytes that are needed to encode given header.
// It returns -1 if header is malformed.
func HeaderSize(h Header) (n int) {
	switch {
	case h.Length < 0:
		return -1
	case h.Length <= len7:
		n = 2
	case h.Length <= len16:
		n = 4
	case h.Length <= len64:
		n = 10
	default:
		return -1
	}
	if h.Masked {
		n += len(h.Mask)
	}
	return n
}

// AppendHeader appends byte representation of h to dst.
//
//	byte0 = FIN | RSV1-3 | opcode
//	byte1 = MASK | 7-bit length: 0-125 literal, 126 and 127 escape to the
//	        16-bit and 64-bit extended lengths
//
// The 64-bit extended length is written with its two most significant bytes
// set to zero, that is, only 48 bits of length are used.
func AppendHeader(dst []byte, h Header) ([]byte, error) {
	if h.Length < 0 || h.Length > len64 {
		return dst, ErrHeaderLengthUnexpected
	}
	if !h.OpCode.IsValid() {
		return dst, ErrHeaderOpCodeUnexpected
	}

	var b0, b1 byte
	if h.Fin {
		b0 |= bit0
	}
	b0 |= (h.Rsv & 0x7) << 4
	b0 |= byte(h.OpCode)
	if h.Masked {
		b1 |= bit0
	}

	switch {
	case h.Length <= len7:
		dst = append(dst, b0, b1|byte(h.Length))
	case h.Length <= len16:
		dst = append(dst, b0, b1|126, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(h.Length))
	default:
		dst = append(dst, b0, b1|127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(h.Length))
	}

	if h.Masked {
		dst = append(dst, h.Mask[:]...)
	}
	return dst, nil
}

// WriteHeader writes header binary representation into w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [MaxHeaderSize]byte
	bts, err := AppendHeader(buf[:0], h)
	if err != nil {
		return err
	}
	_, err = w.Write(bts)
	return err
}

// AppendFrame appends wire representation of f to dst. It uses
// len(f.Payload) as frame length and does not mask payload bytes; that is,
// if f.Header.Masked is true, the payload is expected to be already ciphered.
//
// It panics if the payload is larger than MaxPayloadSize.
func AppendFrame(dst []byte, f Frame) []byte {
	f.Header.Length = int64(len(f.Payload))
	dst, err := AppendHeader(dst, f.Header)
	if err != nil {
		panic(err)
	}
	return append(dst, f.Payload...)
}
