package ws

import (
	"bytes"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/gobwas/httphead"
	"github.com/gobwas/pool/pbufio"
)

// DefaultUserAgent is sent by Dialer when its UserAgent field is empty.
var DefaultUserAgent = "relaymesh-ws--" + runtime.Version() + "--" + runtime.GOOS + "--" + runtime.GOARCH

// Dialer contains options for the client side of the opening handshake.
// It does not establish transport connection itself; see wsutil.Dial for
// that.
type Dialer struct {
	// Extensions is the raw value of Sec-WebSocket-Extensions header. If it
	// is empty, ExtensionOptions are written instead.
	Extensions string

	// ExtensionOptions is the list of extensions that client wants to speak.
	//
	// See https://tools.ietf.org/html/rfc6455#section-9.1
	ExtensionOptions []httphead.Option

	// Protocol is a comma separated list of subprotocols that client wants
	// to speak, ordered by preference.
	//
	// See https://tools.ietf.org/html/rfc6455#section-4.1
	Protocol string

	// ProxyAuthorization is sent in Proxy-Authorization header if not empty.
	ProxyAuthorization string

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// Nonce returns Sec-WebSocket-Key value. If nil, NewNonce is used.
	Nonce func() string

	// Header is the callback that will be called with io.Writer.
	// Write() calls to the given writer will put data in a request http
	// headers section.
	Header func(io.Writer)

	// OnHeader is the callback that will be called after successful parsing of
	// response header, that is not used during WebSocket handshake procedure.
	//
	// The arguments are only valid until the callback returns.
	OnHeader func(key, value []byte) error

	// MaxHeaderSize limits response head size. If zero,
	// DefaultMaxHeaderSize is used.
	MaxHeaderSize int
}

// Upgrade writes upgrade request to rw and validates server response.
//
// The host is the value of Host header, the resource is the request target
// (see ResourceName). Returned rest bytes are the bytes which server has sent
// right after the response head; they belong to the frame stream.
//
// The response is accepted only if its status line is
// "HTTP/1.1 101 Switching Protocols" and it
// has Sec-WebSocket-Accept header matching the sent nonce.
func (d Dialer) Upgrade(rw io.ReadWriter, host, resource string) (hs Handshake, rest []byte, err error) {
	nonce := NewNonce
	if d.Nonce != nil {
		nonce = d.Nonce
	}
	hs.Key = nonce()
	hs.Host = host
	hs.RequestURI = resource
	hs.Protocols = d.Protocol
	hs.ProxyAuthorization = d.ProxyAuthorization
	hs.UserAgent = d.UserAgent
	if hs.UserAgent == "" {
		hs.UserAgent = DefaultUserAgent
	}

	if err = d.writeRequest(rw, &hs); err != nil {
		return hs, nil, err
	}

	head, rest, err := readHead(rw, d.MaxHeaderSize)
	if err != nil {
		return hs, nil, err
	}
	if err = d.checkResponse(head, &hs); err != nil {
		return hs, nil, err
	}
	return hs, rest, nil
}

func (d Dialer) writeRequest(w io.Writer, hs *Handshake) error {
	bw := pbufio.GetWriter(w, headChunkSize)
	defer pbufio.PutWriter(bw)

	bw.WriteString("GET ")
	bw.WriteString(hs.RequestURI)
	bw.WriteString(" HTTP/1.1\r\n")

	httpWriteHeader(bw, headerHost, hs.Host)
	httpWriteHeader(bw, headerUpgrade, specValueWebSocket)
	httpWriteHeader(bw, headerConnection, specValueUpgrade)
	httpWriteHeader(bw, headerSecVersion, specValueVersion)
	httpWriteHeader(bw, headerSecKey, hs.Key)
	httpWriteHeader(bw, headerUserAgent, hs.UserAgent)

	switch {
	case d.Extensions != "":
		hs.Extensions = d.Extensions
	case len(d.ExtensionOptions) > 0:
		var buf bytes.Buffer
		httphead.WriteOptions(&buf, d.ExtensionOptions)
		hs.Extensions = buf.String()
	}
	if hs.Extensions != "" {
		httpWriteHeader(bw, headerSecExtensions, hs.Extensions)
	}
	if hs.ProxyAuthorization != "" {
		httpWriteHeader(bw, headerProxyAuthorization, hs.ProxyAuthorization)
	}
	if hs.Protocols != "" {
		httpWriteHeader(bw, headerSecProtocol, hs.Protocols)
	}
	if d.Header != nil {
		d.Header(bw)
	}

	bw.WriteString(crlf)
	return bw.Flush()
}

func (d Dialer) checkResponse(head []byte, hs *Handshake) error {
	lines := splitLines(head)

	// Status line like "HTTP/1.1 101 Switching Protocols".
	status := lines[0]
	proto, rest, _ := bytes.Cut(status, []byte{' '})
	code, reason, _ := bytes.Cut(rest, []byte{' '})
	if !bytes.Equal(proto, httpVersion1_1) {
		return ErrHandshakeBadStatus
	}
	if !bytes.Equal(code, statusSwitching) {
		if n, err := strconv.Atoi(string(code)); err == nil {
			return StatusError(n)
		}
		return ErrHandshakeBadStatus
	}
	if !bytes.Equal(reason, reasonSwitching) {
		return ErrHandshakeBadStatus
	}

	var accepted bool
	for _, line := range lines[1:] {
		k, v, ok := parseHeaderLine(line)
		if !ok {
			return ErrMalformedResponse
		}
		switch {
		case headerIs(k, headerSecAccept):
			if !CheckAccept(string(v), hs.Key) {
				return ErrHandshakeBadSecAccept
			}
			hs.Accept = string(v)
			accepted = true

		case headerIs(k, headerSecProtocol):
			hs.Protocol = strings.TrimSpace(string(v))

		case headerIs(k, headerSecExtensions):
			var err error
			hs.ExtensionOptions, err = parseExtensions(v, hs.ExtensionOptions)
			if err != nil {
				return err
			}

		default:
			if onHeader := d.OnHeader; onHeader != nil {
				if err := onHeader(k, v); err != nil {
					return err
				}
			}
		}
	}
	if !accepted {
		return ErrHandshakeBadSecAccept
	}
	return nil
}

// ResourceName returns request target for given host string. Host may
// contain scheme and path like "ws://example.org:8080/chat?room=1"; in such
// case "/chat?room=1" is returned. If host has no scheme or no path, "/" is
// returned.
func ResourceName(host string) string {
	i := strings.Index(host, "://")
	if i == -1 {
		return "/"
	}
	host = host[i+3:]
	slash := strings.IndexByte(host, '/')
	if slash == -1 || slash == len(host)-1 {
		return "/"
	}
	return host[slash:]
}
