// Package websocket is a lightweight yet robust implementation of the
// WebSocket protocol (RFC 6455), usable as either the client or the
// server side of a connection.
//
// It focuses on continuous asynchronous reading of text/binary
// messages, and enables occasional writing.
//
// It is designed primarily for ease of use and reliability: idiomatic,
// minimalistic, modern code patterns; strict adherence to the framing,
// fragmentation, masking, and closing-handshake rules of RFC 6455; and
// an efficient, streaming read path ([Conn.RecvInto]) that never
// requires buffering an entire message in memory.
//
// [Dial] performs the client-side opening handshake; [Upgrade] performs
// the server-side one. Both negotiate a [subprotocol] ([WithSubprotocols],
// [WithServerSubprotocols]); WebSocket [extensions] are not supported.
//
// Applications that want automatic, seamless reconnection on top of
// [Dial] should use [github.com/tzrikka/websocket/pkg/wsclient], a
// client-only convenience layered on top of this package.
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
// [subprotocol]: https://www.iana.org/assignments/websocket/websocket.xhtml#subprotocol-name
package websocket
