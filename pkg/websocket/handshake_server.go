package websocket

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tzrikka/websocket/internal/logger"
)

// UpgradeOpt configures a [Conn] before [Upgrade] completes the server-side
// handshake.
type UpgradeOpt func(*upgradeOptions)

type upgradeOptions struct {
	subprotocols   []string
	checkOrigin    func(*http.Request) bool
	maxFrameSize   int
	maxMessageSize int64
	onPing         PingHandler
	onPong         PongHandler
}

// WithServerSubprotocols configures the subprotocols this server supports,
// in preference order. [Upgrade] selects the first one the client also
// offered in its Sec-WebSocket-Protocol header, or negotiates none.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-1.9
func WithServerSubprotocols(protocols ...string) UpgradeOpt {
	return func(o *upgradeOptions) {
		o.subprotocols = protocols
	}
}

// WithCheckOrigin overrides the default Origin check (which accepts any
// Origin, or none). Return false to reject the upgrade with
// [ErrHandshakeError].
func WithCheckOrigin(f func(*http.Request) bool) UpgradeOpt {
	return func(o *upgradeOptions) {
		o.checkOrigin = f
	}
}

// WithServerMaxFrameSize caps the size of each outbound data frame this
// connection writes. 0 (the default) uses [defaultMaxFrameSize].
func WithServerMaxFrameSize(n int) UpgradeOpt {
	return func(o *upgradeOptions) {
		o.maxFrameSize = n
	}
}

// WithServerMaxMessageSize caps the cumulative size of an inbound (possibly
// fragmented) message this connection will accept before closing with
// [StatusMessageTooBig]. 0 (the default) means no limit.
func WithServerMaxMessageSize(n int64) UpgradeOpt {
	return func(o *upgradeOptions) {
		o.maxMessageSize = n
	}
}

// WithServerPingHandler registers a callback invoked when a Ping control
// frame is received, after this package has already queued the required Pong.
func WithServerPingHandler(h PingHandler) UpgradeOpt {
	return func(o *upgradeOptions) {
		o.onPing = h
	}
}

// WithServerPongHandler registers a callback invoked when a Pong control
// frame is received, whether or not it answers an earlier Ping.
func WithServerPongHandler(h PongHandler) UpgradeOpt {
	return func(o *upgradeOptions) {
		o.onPong = h
	}
}

// Upgrade performs the server side of the [WebSocket opening handshake] on
// an incoming HTTP request, hijacking the underlying connection on success.
//
// Steps, per https://datatracker.ietf.org/doc/html/rfc6455#section-4.2:
//  1. Verify the HTTP method is GET.
//  2. Check the Upgrade: websocket header.
//  3. Check the Connection: Upgrade header.
//  4. Verify Sec-WebSocket-Version: 13.
//  5. Read Sec-WebSocket-Key.
//  6. Check the Origin, if configured.
//  7. Negotiate a subprotocol, if configured.
//  8. Compute Sec-WebSocket-Accept.
//  9. Send the 101 Switching Protocols response.
//  10. Hijack the connection and start the read/write goroutines.
//
// [WebSocket opening handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...UpgradeOpt) (*Conn, error) {
	o := &upgradeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if r.Method != http.MethodGet {
		return nil, fmt.Errorf("%w: method %q, want GET", ErrHandshakeError, r.Method)
	}

	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return nil, fmt.Errorf("%w: missing \"Upgrade: websocket\" header", ErrHandshakeError)
	}

	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return nil, fmt.Errorf("%w: missing \"Connection: Upgrade\" header", ErrHandshakeError)
	}

	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return nil, fmt.Errorf("%w: version %q, want 13", ErrVersionMismatch, v)
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, fmt.Errorf("%w: missing Sec-WebSocket-Key header", ErrHandshakeError)
	}

	if o.checkOrigin != nil && !o.checkOrigin(r) {
		return nil, fmt.Errorf("%w: origin rejected", ErrHandshakeError)
	}

	subprotocol := negotiateSubprotocol(r, o.subprotocols)
	if len(o.subprotocols) > 0 && r.Header.Get("Sec-WebSocket-Protocol") != "" && subprotocol == "" {
		return nil, fmt.Errorf("%w: no common subprotocol", ErrProtocolMismatch)
	}

	accept := expectedServerAcceptValue(key)

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", accept)
	if subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subprotocol)
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("%w: response writer does not support hijacking", ErrHandshakeError)
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to hijack connection: %w", ErrHandshakeError, err)
	}

	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("%w: failed to flush handshake response: %w", ErrSendError, err)
	}

	c := &Conn{
		id:             newConnID(),
		logger:         logger.FromContext(r.Context()),
		isServer:       true,
		subprotocol:    subprotocol,
		maxFrameSize:   o.maxFrameSize,
		maxMessageSize: o.maxMessageSize,
		onPing:         o.onPing,
		onPong:         o.onPong,
		bufio:          bufio.NewReadWriter(bufrw.Reader, bufrw.Writer),
		reader:         make(chan Message),
		writer:         make(chan internalMessage),
		closer:         netConn,
		// Servers never mask frames, so no CSPRNG handle (rng) is set.
	}
	c.logger = c.logger.With(slog.String("conn_id", c.id))

	c.startLoops()
	c.setState(StateOpen)

	c.logger.Debug("WebSocket server connection established", slog.String("subprotocol", subprotocol))
	return c, nil
}

// CheckSameOrigin is a ready-made [WithCheckOrigin] policy that accepts
// requests with no Origin header (non-browser clients) and rejects any
// Origin that doesn't match the request's own scheme and host.
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return origin == scheme+"://"+r.Host
}

// negotiateSubprotocol selects the first subprotocol this server supports
// (in the server's preference order) that the client also requested.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-1.9
func negotiateSubprotocol(r *http.Request, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}

	clientProtos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for _, serverProto := range serverProtos {
		for _, clientProto := range clientProtos {
			if strings.TrimSpace(clientProto) == serverProto {
				return serverProto
			}
		}
	}

	return ""
}

// headerContainsToken reports whether header contains token as one of its
// comma-separated, case-insensitive values.
func headerContainsToken(header, token string) bool {
	for _, h := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(h), token) {
			return true
		}
	}
	return false
}
