package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1" //gosec:disable G505 // Required by the WebSocket protocol.
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tzrikka/websocket/internal/logger"
)

// DialOpt configures a [Conn] before [Dial] performs the handshake.
type DialOpt func(*Conn)

var defaultClient = adjustHTTPClient(*http.DefaultClient)

// WithHTTPClient lets callers of [Dial] specify a custom [http.Client]
// to use for the WebSocket handshake, instead of [http.DefaultClient].
//
// Do not specify a custom timeout in the HTTP client! This will interfere with
// the long-lived WebSocket connection beyond the scope of its initial handshake.
// Instead, use [context.WithTimeout] with the [context.Context] passed to [Dial].
func WithHTTPClient(hc *http.Client) DialOpt {
	return func(c *Conn) {
		c.client = hc
	}
}

// WithHTTPHeader lets callers of [Dial] add a single HTTP header to the WebSocket
// handshake's HTTP request. Use [WithHTTPHeaders] to specify multiple ones.
func WithHTTPHeader(key, value string) DialOpt {
	return func(c *Conn) {
		c.headers.Add(key, value)
	}
}

// WithHTTPHeaders lets callers of [Dial] add multiple HTTP headers to the WebSocket
// handshake's HTTP request, instead of calling [WithHTTPHeader] multiple times.
func WithHTTPHeaders(hs http.Header) DialOpt {
	return func(c *Conn) {
		c.headers = hs.Clone()
	}
}

// WithSubprotocols lets callers of [Dial] offer one or more subprotocols in
// the handshake's Sec-WebSocket-Protocol header, in preference order.
func WithSubprotocols(protocols ...string) DialOpt {
	return func(c *Conn) {
		if len(protocols) > 0 {
			c.headers.Set("Sec-WebSocket-Protocol", strings.Join(protocols, ", "))
		}
	}
}

// WithMaxFrameSize caps the size of each outbound data frame this connection
// writes, fragmenting larger messages. 0 (the default) uses [defaultMaxFrameSize].
func WithMaxFrameSize(n int) DialOpt {
	return func(c *Conn) {
		c.maxFrameSize = n
	}
}

// WithMaxMessageSize caps the cumulative size of an inbound (possibly
// fragmented) message this connection will accept before closing with
// [StatusMessageTooBig]. 0 (the default) means no limit.
func WithMaxMessageSize(n int64) DialOpt {
	return func(c *Conn) {
		c.maxMessageSize = n
	}
}

// WithPingHandler registers a callback invoked when a Ping control frame
// is received, after this package has already queued the required Pong.
func WithPingHandler(h PingHandler) DialOpt {
	return func(c *Conn) {
		c.onPing = h
	}
}

// WithPongHandler registers a callback invoked when a Pong control
// frame is received, whether or not it answers an earlier Ping.
func WithPongHandler(h PongHandler) DialOpt {
	return func(c *Conn) {
		c.onPong = h
	}
}

// Dial performs a [WebSocket handshake] to establish
// a connection to the given URL ("ws://..." or "wss://").
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, wsURL string, opts ...DialOpt) (*Conn, error) {
	// Initialize optional configuration details and internal helpers.
	c := &Conn{
		id:      newConnID(),
		logger:  logger.FromContext(ctx),
		headers: http.Header{},
		rng:     rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("conn_id", c.id))
	if c.client == nil {
		c.client = defaultClient
	} else {
		c.client = adjustHTTPClient(*c.client)
	}

	// Send handshake request & check response.
	nonce, err := randomHandshakeNonce(c.rng)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %w", ErrHandshakeError, err)
	}
	req, err := c.handshakeRequest(ctx, wsURL, nonce)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send handshake request: %w", ErrFailedUpgrade, err)
	}
	if err = checkHandshakeResponse(resp, nonce); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	// Post-handshake connection state initializations.
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, fmt.Errorf("%w: response body type: got %T, want io.ReadWriteCloser", ErrFailedUpgrade, resp.Body)
	}

	c.isServer = false
	c.subprotocol = resp.Header.Get("Sec-WebSocket-Protocol")
	c.bufio = bufio.NewReadWriter(bufio.NewReader(rwc), bufio.NewWriter(rwc))
	c.reader = make(chan Message)
	c.writer = make(chan internalMessage)
	c.closer = rwc

	c.startLoops()
	c.setState(StateOpen)

	c.logger.Debug("WebSocket client connection established", slog.String("subprotocol", c.subprotocol))
	return c, nil
}

// adjustHTTPClient returns a modified shallow copy of the given [http.Client].
func adjustHTTPClient(c http.Client) *http.Client {
	// Wrap the HTTP client's CheckRedirect function, to convert
	// ws/wss URL schemes to http/https, respectively.
	origCheckRedirect := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		switch req.URL.Scheme {
		case "ws":
			req.URL.Scheme = "http"
		case "wss":
			req.URL.Scheme = "https"
		}

		if origCheckRedirect != nil {
			return origCheckRedirect(req, via)
		}
		return nil
	}

	return &c
}

// handshakeRequest implements the client request details
// in https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func (c *Conn) handshakeRequest(ctx context.Context, wsURL, nonce string) (*http.Request, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse URL: %w", ErrWrongURIScheme, err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// Do nothing.
	default:
		return nil, fmt.Errorf("%w: %q", ErrWrongURIScheme, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create handshake request: %w", ErrHandshakeError, err)
	}

	req.Header = c.headers.Clone()
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Cache-Control", "no-cache")
	// Sec-WebSocket-Extensions is not supported.

	return req, nil
}

// checkHandshakeResponse checks the server response details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func checkHandshakeResponse(resp *http.Response, nonce string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := fmt.Sprintf("response status: got %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
		if len(body) > 0 {
			msg = fmt.Sprintf("%s (%s)", msg, string(body))
		}
		return fmt.Errorf("%w: %s", ErrFailedUpgrade, msg)
	}

	if err := checkHTTPHeader(resp.Header, "Upgrade", "websocket"); err != nil {
		return err
	}

	if err := checkHTTPHeader(resp.Header, "Connection", "Upgrade"); err != nil {
		return err
	}

	// Base64 is case-sensitive, so unlike the headers above,
	// the accept value must match byte for byte.
	want := expectedServerAcceptValue(nonce)
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != want {
		return fmt.Errorf("%w: header %q: got %q, want %q", ErrFailedUpgrade, "Sec-WebSocket-Accept", got, want)
	}

	// Sec-WebSocket-Extensions is not supported.

	return nil
}

func checkHTTPHeader(headers http.Header, key, want string) error {
	if got := headers.Get(key); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: header %q: got %q, want %q", ErrFailedUpgrade, key, got, want)
	}
	return nil
}

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// expectedServerAcceptValue constructs the expected value of the "Sec-WebSocket-Accept"
// header, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func expectedServerAcceptValue(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
