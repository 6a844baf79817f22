package ws

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gobwas/httphead"
	"github.com/gobwas/pool/pbytes"
)

const (
	crlf          = "\r\n"
	colonAndSpace = ": "

	textUpgrade    = "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"
	textBadRequest = "HTTP/1.1 400 Bad Request\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"X-Content-Type-Options: nosniff\r\n" +
		"Connection: close\r\n"

	// DefaultMaxHeaderSize limits the size of handshake head read by
	// Dialer and Upgrader when their MaxHeaderSize is zero.
	DefaultMaxHeaderSize = 8192

	headChunkSize = 512
)

// Header names used during handshake. Lookup is made case-insensitively.
const (
	headerHost               = "Host"
	headerUpgrade            = "Upgrade"
	headerConnection         = "Connection"
	headerSecVersion         = "Sec-WebSocket-Version"
	headerSecKey             = "Sec-WebSocket-Key"
	headerSecAccept          = "Sec-WebSocket-Accept"
	headerSecProtocol        = "Sec-WebSocket-Protocol"
	headerSecExtensions      = "Sec-WebSocket-Extensions"
	headerUserAgent          = "User-Agent"
	headerProxyAuthorization = "Proxy-Authorization"
)

// Errors used during the opening handshake.
var (
	ErrHandshakeTooLarge      = fmt.Errorf("handshake head exceeds size limit")
	ErrMalformedRequest       = fmt.Errorf("malformed HTTP request")
	ErrMalformedResponse      = fmt.Errorf("malformed HTTP response")
	ErrHandshakeBadStatus     = fmt.Errorf("handshake response has no %q status line", "HTTP/1.1 101 Switching Protocols")
	ErrHandshakeBadSecAccept  = fmt.Errorf("handshake response returned no %s header or one which is malformed", headerSecAccept)
	ErrHandshakeBadSecKey     = fmt.Errorf("handshake request has no %s header", headerSecKey)
	ErrHandshakeBadExtensions = fmt.Errorf("malformed %s header", headerSecExtensions)
)

var (
	headEnd            = []byte("\r\n\r\n")
	httpVersion1_1     = []byte("HTTP/1.1")
	statusSwitching    = []byte("101")
	reasonSwitching    = []byte("Switching Protocols")
	specValueWebSocket = "websocket"
	specValueUpgrade   = "Upgrade"
	specValueVersion   = "13"
)

// Handshake describes the values exchanged during the opening handshake.
type Handshake struct {
	// RequestURI is the resource name of the request line.
	RequestURI string

	// Host is the Host header value.
	Host string

	// Key is the Sec-WebSocket-Key value sent by the client.
	Key string

	// Accept is the Sec-WebSocket-Accept value.
	Accept string

	// Protocol is the selected subprotocol.
	Protocol string

	// Protocols is the raw comma separated list of requested subprotocols.
	Protocols string

	// Extensions is the raw Sec-WebSocket-Extensions value. It is passed
	// through without negotiation.
	Extensions string

	// ExtensionOptions is Extensions parsed into options.
	ExtensionOptions []httphead.Option

	// UserAgent is the User-Agent header value.
	UserAgent string

	// ProxyAuthorization is the Proxy-Authorization header value.
	ProxyAuthorization string
}

// readHead reads from r until the blank line which terminates HTTP head.
// It tolerates head split over any number of reads. It returns head bytes
// without the terminating blank line and bytes read after it.
func readHead(r io.Reader, max int) (head, rest []byte, err error) {
	if max <= 0 {
		max = DefaultMaxHeaderSize
	}
	chunk := pbytes.GetLen(headChunkSize)
	defer pbytes.Put(chunk)

	var buf []byte
	for {
		n, e := r.Read(chunk)
		from := len(buf) - len(headEnd) + 1
		if from < 0 {
			from = 0
		}
		buf = append(buf, chunk[:n]...)

		if i := bytes.Index(buf[from:], headEnd); i != -1 {
			end := from + i
			if end > max {
				return nil, nil, ErrHandshakeTooLarge
			}
			head = buf[:end]
			if tail := buf[end+len(headEnd):]; len(tail) > 0 {
				rest = make([]byte, len(tail))
				copy(rest, tail)
			}
			return head, rest, nil
		}
		if len(buf) > max {
			return nil, nil, ErrHandshakeTooLarge
		}
		if e != nil {
			if e == io.EOF {
				e = io.ErrUnexpectedEOF
			}
			return nil, nil, e
		}
	}
}

// splitLines splits head into CRLF separated lines.
func splitLines(head []byte) [][]byte {
	return bytes.Split(head, []byte(crlf))
}

// parseHeaderLine parses HTTP header as key-value pair. It returns parsed
// values and true if parse is ok.
func parseHeaderLine(line []byte) (k, v []byte, ok bool) {
	colon := bytes.IndexByte(line, ':')
	if colon == -1 {
		return
	}
	k = bytes.TrimSpace(line[:colon])
	v = bytes.TrimSpace(line[colon+1:])
	return k, v, len(k) > 0
}

// headerIs reports whether k equals to name ignoring case.
func headerIs(k []byte, name string) bool {
	return equalFold(btsToString(k), name)
}

// firstToken returns first token of comma separated list s.
func firstToken(s string) (token string) {
	httphead.ScanTokens([]byte(s), func(v []byte) bool {
		token = string(v)
		return false
	})
	if token == "" {
		// Not a strict token list; fallback to plain split.
		if i := strings.IndexByte(s, ','); i != -1 {
			s = s[:i]
		}
		token = strings.TrimSpace(s)
	}
	return token
}

// parseExtensions parses raw extensions header value into options.
func parseExtensions(v []byte, options []httphead.Option) ([]httphead.Option, error) {
	if len(bytes.TrimSpace(v)) == 0 {
		return options, nil
	}
	options, ok := httphead.ParseOptions(v, options)
	if !ok {
		return options, ErrHandshakeBadExtensions
	}
	return options, nil
}

func httpWriteHeader(bw *bufio.Writer, key, value string) {
	bw.WriteString(key)
	bw.WriteString(colonAndSpace)
	bw.WriteString(value)
	bw.WriteString(crlf)
}

func httpWriteResponseError(bw *bufio.Writer, err error) {
	bw.WriteString(textBadRequest)
	body := err.Error()
	fmt.Fprintf(bw, "Content-Length: %d\r\n", len(body)+len(crlf))
	bw.WriteString(crlf)
	bw.WriteString(body)
	bw.WriteString(crlf)
}
