package ws

import (
	"net"
	"strconv"
	"strings"
)

// addressUnknown is reported when the transport has no address anymore.
const addressUnknown = "undefined, possibly due to socket closing"

// Endpoint describes one side of a transport connection.
type Endpoint struct {
	Address string
	Port    int
}

// String returns host:port form of e suitable for the Host header.
func (e Endpoint) String() string {
	return HostHeader(e)
}

// Addresses holds both endpoints of a transport connection.
type Addresses struct {
	Local  Endpoint
	Remote Endpoint
}

// AddrConn is the part of net.Conn that exposes endpoint addresses.
type AddrConn interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// AddressesOf returns normalized endpoints of conn.
func AddressesOf(conn AddrConn) Addresses {
	return Addresses{
		Local:  EndpointOf(conn.LocalAddr()),
		Remote: EndpointOf(conn.RemoteAddr()),
	}
}

// EndpointOf normalizes addr into Endpoint. IPv4-mapped IPv6 addresses are
// reported in their IPv4 form. Nil addr results in a placeholder address and
// zero port.
func EndpointOf(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{Address: addressUnknown}
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a == nil {
			return Endpoint{Address: addressUnknown}
		}
		return Endpoint{Address: normalizeHost(a.IP.String()), Port: a.Port}
	case *net.UDPAddr:
		if a == nil {
			return Endpoint{Address: addressUnknown}
		}
		return Endpoint{Address: normalizeHost(a.IP.String()), Port: a.Port}
	}
	s := addr.String()
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{Address: normalizeHost(s)}
	}
	p, _ := strconv.Atoi(port)
	return Endpoint{Address: normalizeHost(host), Port: p}
}

func normalizeHost(s string) string {
	if s == "" {
		return addressUnknown
	}
	return strings.TrimPrefix(s, "::ffff:")
}

// HostHeader formats e as value of Host header. IPv6 literals are enclosed
// in brackets as RFC 3986 requires.
func HostHeader(e Endpoint) string {
	port := strconv.Itoa(e.Port)
	if strings.IndexByte(e.Address, ':') != -1 {
		return "[" + e.Address + "]:" + port
	}
	return e.Address + ":" + port
}
