package ws

import (
	"io"
	"strings"

	"github.com/gobwas/pool/pbufio"
)

// headerSeen is a bit set of handshake headers found in request.
type headerSeen uint8

const (
	headerSeenSecKey headerSeen = 1 << iota
	headerSeenSecProtocol
	headerSeenSecExtensions
	headerSeenUserAgent

	headerSeenAll = 0 |
		headerSeenSecKey |
		headerSeenSecProtocol |
		headerSeenSecExtensions |
		headerSeenUserAgent
)

// optionalHeaders maps headers which are required only if client mentioned
// them somewhere in the request.
var optionalHeaders = [...]struct {
	bit  headerSeen
	name string
}{
	{headerSeenSecProtocol, headerSecProtocol},
	{headerSeenSecExtensions, headerSecExtensions},
	{headerSeenUserAgent, headerUserAgent},
}

// satisfied reports whether all headers needed for upgrade were found in
// head. An optional header which name does not appear in head at all is
// considered as not requested.
func (s headerSeen) satisfied(head []byte) bool {
	for _, h := range optionalHeaders {
		if s&h.bit == 0 && !containsFold(head, []byte(h.name)) {
			s |= h.bit
		}
	}
	return s == headerSeenAll
}

// Upgrader contains options for the server side of the opening handshake.
// It works with raw transport connection; no net/http machinery is
// involved.
type Upgrader struct {
	// MaxHeaderSize limits request head size. If zero, DefaultMaxHeaderSize
	// is used.
	MaxHeaderSize int

	// OnHeader is called for every request header not used by handshake.
	// The arguments are only valid until the callback returns.
	OnHeader func(key, value []byte) error

	// Header is the callback that will be called with io.Writer. Write()
	// calls to the given writer will put data in a response http headers
	// section.
	Header func(io.Writer)
}

// ReadRequest reads upgrade request head from r. It returns handshake
// description and bytes client has sent right after the head.
//
// Request head may arrive split over any number of reads.
func (u Upgrader) ReadRequest(r io.Reader) (hs Handshake, rest []byte, err error) {
	head, rest, err := readHead(r, u.MaxHeaderSize)
	if err != nil {
		return hs, nil, err
	}

	lines := splitLines(head)
	method, target, ok := strings.Cut(string(lines[0]), " ")
	if !ok || method == "" {
		return hs, nil, ErrMalformedRequest
	}
	if i := strings.IndexByte(target, ' '); i != -1 {
		target = target[:i]
	}
	hs.RequestURI = target

	var seen headerSeen
	for _, line := range lines[1:] {
		k, v, ok := parseHeaderLine(line)
		if !ok {
			return hs, nil, ErrMalformedRequest
		}
		switch {
		case headerIs(k, headerSecKey):
			hs.Key = string(v)
			hs.Accept = AcceptKey(hs.Key)
			seen |= headerSeenSecKey

		case headerIs(k, headerSecProtocol):
			hs.Protocols = string(v)
			hs.Protocol = firstToken(hs.Protocols)
			seen |= headerSeenSecProtocol

		case headerIs(k, headerSecExtensions):
			hs.Extensions = string(v)
			if hs.ExtensionOptions, err = parseExtensions(v, hs.ExtensionOptions); err != nil {
				return hs, nil, err
			}
			seen |= headerSeenSecExtensions

		case headerIs(k, headerUserAgent):
			hs.UserAgent = string(v)
			seen |= headerSeenUserAgent

		case headerIs(k, headerHost):
			hs.Host = string(v)

		case headerIs(k, headerProxyAuthorization):
			hs.ProxyAuthorization = string(v)

		default:
			if onHeader := u.OnHeader; onHeader != nil {
				if err := onHeader(k, v); err != nil {
					return hs, nil, err
				}
			}
		}
	}
	if seen&headerSeenSecKey == 0 || hs.Key == "" {
		return hs, nil, ErrHandshakeBadSecKey
	}
	if !seen.satisfied(head) {
		return hs, nil, ErrMalformedRequest
	}
	return hs, rest, nil
}

// WriteResponse writes switching protocols response for hs to w.
// Sec-WebSocket-Protocol header is written only when hs.Protocol is not
// empty.
func (u Upgrader) WriteResponse(w io.Writer, hs Handshake) error {
	bw := pbufio.GetWriter(w, headChunkSize)
	defer pbufio.PutWriter(bw)

	bw.WriteString(textUpgrade)
	httpWriteHeader(bw, headerSecAccept, hs.Accept)
	if hs.Protocol != "" {
		httpWriteHeader(bw, headerSecProtocol, hs.Protocol)
	}
	if u.Header != nil {
		u.Header(bw)
	}
	bw.WriteString(crlf)

	return bw.Flush()
}

// WriteBadRequest writes 400 response describing err to w.
func WriteBadRequest(w io.Writer, err error) error {
	bw := pbufio.GetWriter(w, headChunkSize)
	defer pbufio.PutWriter(bw)

	httpWriteResponseError(bw, err)
	return bw.Flush()
}

// Upgrade reads upgrade request from rw and writes response to it. On
// failure it writes 400 response when the request head was read.
func (u Upgrader) Upgrade(rw io.ReadWriter) (hs Handshake, rest []byte, err error) {
	hs, rest, err = u.ReadRequest(rw)
	if err != nil {
		if err != io.ErrUnexpectedEOF {
			WriteBadRequest(rw, err)
		}
		return hs, nil, err
	}
	if err = u.WriteResponse(rw, hs); err != nil {
		return hs, nil, err
	}
	return hs, rest, nil
}

