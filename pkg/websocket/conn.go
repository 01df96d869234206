package websocket

import (
	"bufio"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"
)

// ReadyState is the lifecycle state of a [Conn], as laid out in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1 (Connecting),
// #section-4 (Open), and #section-7 (Closing, Closed). It only ever
// advances: Connecting < Open < Closing < Closed.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the ready state's name.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PingHandler is invoked synchronously from the receive path when a Ping
// control frame arrives, after this package has already queued the
// required Pong response. It must not block or call back into c.
type PingHandler func(c *Conn, payload []byte)

// PongHandler is invoked synchronously from the receive path when a Pong
// control frame arrives, whether or not it answers an earlier Ping. It
// must not block or call back into c.
type PongHandler func(c *Conn, payload []byte)

// Conn represents the configuration and state of one open WebSocket
// connection, either as the client or the server side of the handshake.
// A Conn is owned by the goroutines that call its methods; it does not
// need external synchronization beyond what this package already does
// internally (see [Conn.writeMessages], [Conn.readMessages]).
type Conn struct {
	// id uniquely (and briefly, for logging purposes only) identifies
	// this connection among others handled by the same process.
	id     string
	logger *slog.Logger

	// Role and negotiated/configured options, fixed for the lifetime
	// of the connection.
	isServer      bool
	subprotocol   string
	maxFrameSize  int
	maxMessageSize int64
	onPing        PingHandler
	onPong        PongHandler

	// Used only by the client role, before and during [Dial].
	client  *http.Client
	headers http.Header

	// Initialized after the handshake completes.
	bufio  *bufio.ReadWriter
	reader chan Message
	writer chan internalMessage
	closer io.Closer
	group  *errgroup.Group

	state   ReadyState
	stateMu sync.RWMutex

	closeReceived bool

	closeSent   bool
	closeSentMu sync.RWMutex

	// Message-reassembly state for [Conn.RecvInto]/[Conn.readMessage].
	// msgType is the opcode of the message currently being assembled
	// (opcodeContinuation when none is in progress); lastMsgType
	// remembers it across the instant inFlight is cleared, so the
	// caller can label the completed message correctly.
	inFlight    *inFlightFrame
	msgType     Opcode
	lastMsgType Opcode

	// Only for the purpose of minimizing memory allocations (safely),
	// not for state management or memory sharing of any kind.
	readBuf  [8]byte
	writeBuf [8]byte
	closeBuf [maxControlPayload]byte

	// rng is the connection's CSPRNG handle for mask keys and, on the
	// client side, handshake nonces. Overridden in tests for determinism.
	rng io.Reader
}

// Message carries application data from one or more (defragmented) data
// frames, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.6.
// Returned by the Go channel exposed by [Conn.IncomingMessages].
type Message struct {
	Opcode Opcode
	Data   []byte
}

// internalMessage synchronizes concurrent calls that want to send a frame,
// by routing them all through the single [Conn.writeMessages] goroutine.
type internalMessage struct {
	Opcode Opcode
	Data   []byte
	fin    bool
	err    chan<- error
}

// ID returns the connection's short, process-local correlation ID. It has
// no protocol meaning; it exists purely to tell concurrent connections'
// log lines apart.
func (c *Conn) ID() string {
	return c.id
}

// Subprotocol returns the subprotocol negotiated during the handshake,
// or the empty string if none was negotiated.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// ReadyState returns the connection's current lifecycle state.
func (c *Conn) ReadyState() ReadyState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// setState advances the connection's ready state. Transitions backward
// are programmer errors and are silently ignored, to preserve the
// monotonicity invariant regardless of call order under races between
// the read and write goroutines.
func (c *Conn) setState(s ReadyState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if s > c.state {
		c.state = s
	}
}

// IncomingMessages returns the connection's channel that publishes data
// [Message]s as they are received from the peer. The channel is closed
// once the connection's read side has terminated (peer closed, a fatal
// protocol error occurred, or the close handshake finished).
func (c *Conn) IncomingMessages() <-chan Message {
	return c.reader
}

// startLoops launches the reader and writer goroutines that own the
// connection's I/O for its remaining lifetime, supervised by an
// [errgroup.Group] so a caller can wait for both to exit via c.group.Wait().
func (c *Conn) startLoops() {
	var g errgroup.Group
	c.group = &g

	g.Go(func() error {
		c.readMessages()
		return nil
	})
	g.Go(func() error {
		c.writeMessages()
		return nil
	})
}

// readMessages runs as a [Conn] goroutine, to call [Conn.readMessage]
// continuously, in order to process control and data frames, and
// publish data [Message]s to the connection's subscribers.
func (c *Conn) readMessages() {
	msg := c.readMessage()
	for msg != nil {
		c.reader <- Message{Opcode: msg.Opcode, Data: msg.Data}
		msg = c.readMessage()
	}
	close(c.reader)
}

// writeMessages runs as a [Conn] goroutine, to serialize all outbound
// frames (data and control alike) onto the wire one at a time, so that
// concurrent callers of [Conn.send]/[Conn.sendControlFrame] never
// interleave a frame's bytes with another frame's bytes.
func (c *Conn) writeMessages() {
	for msg := range c.writer {
		msg.err <- c.writeFrame(msg.Opcode, msg.fin, msg.Data)
		// The message's error channel can be used at most once.
		close(msg.err)
	}
}

// newConnID returns a short, URL-safe correlation ID for a new connection.
func newConnID() string {
	return shortuuid.New()
}
