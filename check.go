package ws

import (
	"fmt"
	"unicode/utf8"
)

// State is a set of flags describing the receiving endpoint. Frame checks
// become stricter as more flags are set.
type State uint8

const (
	// StateServerSide requires incoming frames to be masked.
	StateServerSide State = 1 << iota
	// StateClientSide requires incoming frames to be not masked.
	StateClientSide
	// StateExtended permits non-zero rsv bits.
	StateExtended
	// StateFragmented means that a data message is in progress and only
	// continuation or control frames may follow.
	StateFragmented
)

// Is reports whether any of v flags is set in s.
func (s State) Is(v State) bool { return s&v != 0 }

// Set returns s with v flags set.
func (s State) Set(v State) State { return s | v }

// SetOrClearIf returns s with v flags set if cond is true and cleared
// otherwise.
func (s State) SetOrClearIf(cond bool, v State) State {
	if cond {
		return s | v
	}
	return s &^ v
}

// String returns the name of the endpoint side.
func (s State) String() string {
	switch {
	case s.Is(StateClientSide):
		return "client"
	case s.Is(StateServerSide):
		return "server"
	default:
		return "unknown"
	}
}

// ProtocolError describes error during checking/parsing websocket frames or headers.
type ProtocolError error

// Errors used by the protocol checkers.
var (
	ErrProtocolOpCodeReserved         = ProtocolError(fmt.Errorf("use of reserved op code"))
	ErrProtocolControlPayloadOverflow = ProtocolError(fmt.Errorf("control frame payload limit exceeded"))
	ErrProtocolControlNotFinal        = ProtocolError(fmt.Errorf("control frame is not final"))
	ErrProtocolNonZeroRsv             = ProtocolError(fmt.Errorf("non-zero rsv bits with no extension negotiated"))
	ErrProtocolMaskRequired           = ProtocolError(fmt.Errorf("frames from client to server must be masked"))
	ErrProtocolMaskUnexpected         = ProtocolError(fmt.Errorf("frames from server to client must be not masked"))
	ErrProtocolContinuationExpected   = ProtocolError(fmt.Errorf("unexpected non-continuation data frame"))
	ErrProtocolContinuationUnexpected = ProtocolError(fmt.Errorf("unexpected continuation data frame"))
	ErrProtocolMessageTooBig          = ProtocolError(fmt.Errorf("message size limit exceeded"))
	ErrProtocolStatusCodeNotInUse     = ProtocolError(fmt.Errorf("status code is not in use"))
	ErrProtocolStatusCodeReserved     = ProtocolError(fmt.Errorf("status code is reserved"))
	ErrProtocolInvalidUTF8            = ProtocolError(fmt.Errorf("invalid utf8 sequence in close reason"))
)

// headerRules are applied by CheckHeader in order. Each returns nil when
// the header passes it.
var headerRules = [...]func(h Header, s State) error{
	func(h Header, _ State) error {
		if h.OpCode.IsReserved() {
			return ErrProtocolOpCodeReserved
		}
		return nil
	},
	func(h Header, _ State) error {
		switch {
		case !h.OpCode.IsControl():
			return nil
		case h.Length > MaxControlFramePayloadSize:
			return ErrProtocolControlPayloadOverflow
		case !h.Fin:
			return ErrProtocolControlNotFinal
		}
		return nil
	},
	func(h Header, s State) error {
		if h.Rsv != 0 && !s.Is(StateExtended) {
			return ErrProtocolNonZeroRsv
		}
		return nil
	},
	func(h Header, s State) error {
		switch {
		case s.Is(StateServerSide) && !h.Masked:
			return ErrProtocolMaskRequired
		case s.Is(StateClientSide) && h.Masked:
			return ErrProtocolMaskUnexpected
		}
		return nil
	},
	func(h Header, s State) error {
		if !h.OpCode.IsData() {
			return nil
		}
		cont := h.OpCode == OpContinuation
		switch {
		case s.Is(StateFragmented) && !cont:
			return ErrProtocolContinuationExpected
		case !s.Is(StateFragmented) && cont:
			return ErrProtocolContinuationUnexpected
		}
		return nil
	},
}

// CheckHeader checks h against RFC 6455 framing rules for an endpoint in
// state s. Masking direction is checked only when s has a side flag.
func CheckHeader(h Header, s State) error {
	for _, rule := range headerRules {
		if err := rule(h, s); err != nil {
			return err
		}
	}
	return nil
}

// FrameCheck validates the headers of frames arriving over one connection
// and tracks the data message in progress.
//
// Check must be called for every header and Advance for every frame which
// passed it.
type FrameCheck struct {
	// State is the endpoint state. StateFragmented is maintained by
	// FrameCheck itself.
	State State

	// SkipHeaderCheck disables RFC 6455 header rules. The message size
	// limit is still applied.
	SkipHeaderCheck bool

	// MaxMessageSize limits the total payload of a data message. Zero means
	// no limit.
	MaxMessageSize int64

	fragmented bool
	size       int64
}

// Check validates the header of the next frame.
func (c *FrameCheck) Check(h Header) error {
	if !c.SkipHeaderCheck {
		err := CheckHeader(h, c.State.SetOrClearIf(c.fragmented, StateFragmented))
		if err != nil {
			return err
		}
	}
	if c.MaxMessageSize > 0 && h.OpCode.IsData() && c.messageSize(h) > c.MaxMessageSize {
		return ErrProtocolMessageTooBig
	}
	return nil
}

// Advance accounts frame with header h as received.
func (c *FrameCheck) Advance(h Header) {
	if !h.OpCode.IsData() {
		return
	}
	c.size = c.messageSize(h)
	c.fragmented = !h.Fin
}

func (c *FrameCheck) messageSize(h Header) int64 {
	if h.OpCode == OpContinuation {
		return c.size + h.Length
	}
	return h.Length
}

// CheckCloseFrameData checks status code and reason of a received close
// frame. Close frame without payload has no code and must not be checked.
func CheckCloseFrameData(code StatusCode, reason string) error {
	switch {
	case code.In(StatusRangeNotInUse):
		return ErrProtocolStatusCodeNotInUse
	case code.IsProtocolReserved():
		return ErrProtocolStatusCodeReserved
	case !utf8.ValidString(reason):
		return ErrProtocolInvalidUTF8
	default:
		return nil
	}
}
