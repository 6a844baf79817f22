/*
Package ws implements the low-level parts of the WebSocket protocol as
specified in RFC 6455: frame headers, masking, protocol checks and the
opening handshake for both the client and the server side.

The package works directly on byte streams. It does not use net/http for
the handshake; only a minimal HTTP/1.1-shaped head is written and scanned.

Overview.

Server side handshake on an accepted connection:

  conn, err := ln.Accept()
  if err != nil {
	  // handle error
  }

  var u ws.Upgrader
  hs, rest, err := u.ReadRequest(conn)
  if err != nil {
	  // handle error
  }
  if err := u.WriteResponse(conn, hs); err != nil {
	  // handle error
  }

Client side handshake on a dialed connection:

  d := ws.Dialer{Protocol: "chat"}
  hs, rest, err := d.Upgrade(conn, ws.HostHeader(ws.EndpointOf(conn.RemoteAddr())), "/")

The rest bytes returned by both sides are the bytes received right after the
handshake head; they belong to the frame stream.

After the handshake frames could be encoded and parsed without any framing
state:

  bts := ws.AppendFrame(nil, ws.NewTextFrame("hello"))

  h, n, err := ws.ParseHeader(bts)
  if err == ws.ErrHeaderShort {
	  // wait for more bytes
  }

For connection management (send queue, ping/pong bookkeeping, message
reassembly) see the wsutil package.
*/
package ws
