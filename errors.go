package ws

import (
	"errors"
	"strconv"
)

// Errors reported to connection callbacks.
var (
	// ErrConnectionAborted is reported when handshake fails or an operation
	// is made on a connection which is not open anymore.
	ErrConnectionAborted = errors.New("connection aborted")

	// ErrPingTimeout is reported when no matching pong was received in time.
	ErrPingTimeout = errors.New("ping timed out")
)

// Error codes carried by OpError.
const (
	CodeConnectionAborted = "ECONNABORTED"
	CodeTimedOut          = "ETIMEDOUT"
)

// OpError describes failed websocket operation along with the remote
// endpoint it was made against.
type OpError struct {
	// Op is the operation name, such as "websocket.clientConnect" or
	// "websocket.ping".
	Op string

	// Code is the short errno-like code of the failure.
	Code string

	// Addr is the remote endpoint of the connection.
	Addr Endpoint

	// Err is the underlying error.
	Err error
}

// Error implements error interface.
func (e *OpError) Error() string {
	s := e.Op
	if e.Code != "" {
		s += " " + e.Code
	}
	if e.Addr.Address != "" {
		s += " " + e.Addr.Address + ":" + strconv.Itoa(e.Addr.Port)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error { return e.Err }

// StatusError contains an unexpected status-line code from the server.
type StatusError int

func (s StatusError) Error() string {
	return "unexpected HTTP response status: " + strconv.Itoa(int(s))
}
