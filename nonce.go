package ws

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	// RFC6455: The value of this header field is constructed by concatenating
	// /key/, defined above in step 4 in Section 4.2.2, with the string
	// "258EAFA5- E914-47DA-95CA-C5AB0DC85B11", taking the SHA-1 hash of this
	// concatenated value to obtain a 20-byte value and base64- encoding (see
	// Section 4 of [RFC4648]) this 20-byte hash.
	acceptSize    = 28 // base64.StdEncoding.EncodedLen(sha1.Size)
	acceptHexSize = 40 // hex.EncodedLen(sha1.Size)
)

// WebSocketMagic is the GUID concatenated with the handshake key.
const WebSocketMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var sha1Pool sync.Pool

func acquireSha1() hash.Hash {
	if h := sha1Pool.Get(); h != nil {
		return h.(hash.Hash)
	}
	return sha1.New()
}

func releaseSha1(h hash.Hash) {
	h.Reset()
	sha1Pool.Put(h)
}

// acceptSum returns SHA-1 digest of key concatenated with WebSocketMagic.
func acceptSum(key string) (sum [sha1.Size]byte) {
	sha := acquireSha1()
	defer releaseSha1(sha)

	sha.Write([]byte(key))
	sha.Write([]byte(WebSocketMagic))
	sha.Sum(sum[:0])

	return sum
}

// AcceptKey returns the value of Sec-WebSocket-Accept header for given
// Sec-WebSocket-Key value.
func AcceptKey(key string) string {
	sum := acceptSum(key)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// acceptKeyHex returns hex form of the accept digest. Peers of the older
// handshake implementation send and expect this form.
func acceptKeyHex(key string) string {
	sum := acceptSum(key)
	return hex.EncodeToString(sum[:])
}

// CheckAccept reports whether given Sec-WebSocket-Accept value is valid for
// given nonce. Both base64 and hex digest encodings are accepted.
func CheckAccept(accept, nonce string) bool {
	var expect string
	switch len(accept) {
	case acceptSize:
		expect = AcceptKey(nonce)
	case acceptHexSize:
		expect = acceptKeyHex(nonce)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expect), []byte(accept)) == 1
}

// hostname is resolved once; it is a part of every generated nonce.
var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
})

// NewNonce returns Sec-WebSocket-Key value built as base64 of current
// timestamp in milliseconds followed by the host name.
func NewNonce() string {
	src := strconv.FormatInt(time.Now().UnixMilli(), 10) + hostname()
	return base64.StdEncoding.EncodeToString([]byte(src))
}
