package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"
)

// recvChunkSize bounds how much of a single data frame's payload is read
// into memory at a time. The codec must not allocate a buffer the size of
// the whole frame up front for arbitrarily large frames; RecvInto and the
// message-reassembly loop below both stream through chunks this size.
const recvChunkSize = 32 * 1024

// inFlightFrame tracks the data frame currently being streamed out via
// [Conn.RecvInto], so that partial reads across multiple calls resume
// correctly (including the mask offset).
type inFlightFrame struct {
	header   frameHeader
	consumed uint64
}

// nextDataFrameHeader reads and discards frames until it finds the header
// of a Text, Binary, or Continuation frame, absorbing and responding to any
// interleaved control frames first, per
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.5. msgType is the
// opcode of the message currently being assembled (opcodeContinuation if
// none), used to validate fragmentation sequencing.
//
// Returns the header on success. On any connection-terminating condition
// (peer closed, I/O error, or a protocol violation already handled by
// sending/receiving a Close frame) it returns io.EOF, the sentinel for
// "no more frames will ever follow" regardless of how many bytes of this
// particular frame were already delivered.
func (c *Conn) nextDataFrameHeader(msgType Opcode) (frameHeader, error) {
	for {
		h, err := c.readFrameHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("WebSocket connection closed", slog.String("conn_id", c.id))
				c.closeReceived = true
				c.closeSent = true
				c.setState(StateClosed)
				return frameHeader{}, io.EOF
			}
			c.logger.Error("failed to read WebSocket frame header", slog.Any("error", err), slog.String("conn_id", c.id))
			c.sendCloseControlFrame(StatusInternalError, "frame header reading error")
			return frameHeader{}, io.EOF
		}

		c.logger.Debug("received WebSocket frame", slog.Bool("fin", h.fin),
			slog.String("opcode", h.opcode.String()), slog.Uint64("length", h.payloadLength), slog.String("conn_id", c.id))

		if reason, err := c.checkFrameHeader(h, msgType); err != nil {
			c.logger.Error("protocol error due to invalid frame", slog.Any("error", err), slog.String("conn_id", c.id))
			c.sendCloseControlFrame(StatusProtocolError, reason)
			return frameHeader{}, io.EOF
		}

		if !h.opcode.isControl() {
			return h, nil
		}

		data, err := c.readControlPayload(h)
		if err != nil {
			c.logger.Error("failed to read WebSocket control frame payload", slog.Any("error", err), slog.String("conn_id", c.id))
			c.sendCloseControlFrame(StatusInternalError, "control frame payload reading error")
			return frameHeader{}, io.EOF
		}

		switch h.opcode {
		// "If an endpoint receives a Close frame and did not previously send
		// a Close frame, the endpoint MUST send a Close frame in response".
		case opcodeClose:
			c.closeReceived = true
			status, reason := c.parseClosePayload(data)
			c.sendCloseControlFrame(status, reason)
			return frameHeader{}, io.EOF

		// "An endpoint MUST be capable of handling control
		// frames in the middle of a fragmented message".
		case opcodePing:
			if err := <-c.sendControlFrame(opcodePong, data); err != nil {
				c.logger.Error("failed to send WebSocket pong control frame",
					slog.Any("error", err), slog.String("conn_id", c.id))
			}
			if c.onPing != nil {
				c.onPing(c, data)
			}

		case opcodePong:
			if c.onPong != nil {
				c.onPong(c, data)
			}
		}
	}
}

func (c *Conn) readControlPayload(h frameHeader) ([]byte, error) {
	if h.payloadLength == 0 {
		return nil, nil
	}
	data := make([]byte, h.payloadLength)
	if _, err := io.ReadFull(c.bufio, data); err != nil {
		return nil, err
	}
	if h.mask {
		mask(data, h.maskKey, 0)
	}
	return data, nil
}

// RecvInto reads up to len(buf) bytes of application payload from the
// connection into buf, absorbing any interleaved control frames
// transparently. A return of (0, nil) signals the clean end of the
// current message (a fin=true frame has been fully consumed, including
// the degenerate zero-length case); io.EOF signals the end of the
// connection itself. Masking is unmasked freshly at each read, using the
// running per-frame offset, so partial reads across calls never
// re-unmask already-delivered bytes and never read outside the bytes
// actually produced by this call.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-6.2
func (c *Conn) RecvInto(buf []byte) (int, error) {
	if c.inFlight == nil {
		h, err := c.nextDataFrameHeader(c.msgType)
		if err != nil {
			return 0, err
		}
		if h.opcode != opcodeContinuation {
			c.msgType = h.opcode
		}
		c.inFlight = &inFlightFrame{header: h}
	}

	remaining := c.inFlight.header.payloadLength - c.inFlight.consumed
	n := len(buf)
	if uint64(n) > remaining {
		n = int(remaining) //nolint:gosec // remaining is bounded by len(buf) above when it's smaller.
	}

	if n > 0 {
		read, err := io.ReadFull(c.bufio, buf[:n])
		if err != nil {
			// A short read here is always an abnormal termination mid-payload,
			// never the clean end-of-connection that io.EOF otherwise denotes
			// for this method, so it's deliberately not passed through as-is.
			return read, fmt.Errorf("%w: payload: %w", ErrMalformedHeader, err)
		}
		if c.inFlight.header.mask {
			mask(buf[:read], c.inFlight.header.maskKey, int(c.inFlight.consumed)) //nolint:gosec // offsets fit in int for realistic frames.
		}
		c.inFlight.consumed += uint64(read)
		n = read
	}

	if c.inFlight.consumed == c.inFlight.header.payloadLength {
		if !c.inFlight.header.fin {
			// More of the same message follows, in the next frame.
			c.inFlight = nil
			if n == 0 {
				return c.RecvInto(buf)
			}
			return n, nil
		}
		// The message's last bytes are returned first; the end of the
		// message itself is reported by the next call, as (0, nil).
		if n > 0 {
			return n, nil
		}
		c.lastMsgType = c.msgType
		c.msgType = opcodeContinuation
		c.inFlight = nil
	}

	return n, nil
}

// readMessage assembles one complete application [Message] by repeatedly
// calling [Conn.RecvInto], enforcing maxMessageSize, and validating UTF-8
// for Text messages at the message level (not per frame). It returns nil
// once the connection has terminated.
//
// Do not call this function directly; it is meant to be used
// exclusively (and continuously) by [Conn.readMessages].
//
// It is based on:
//   - Fragmentation: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
//   - Data frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
//   - Handling Errors in UTF-8-Encoded Data: https://datatracker.ietf.org/doc/html/rfc6455#section-8.1
func (c *Conn) readMessage() *internalMessage {
	var buf bytes.Buffer
	chunk := make([]byte, recvChunkSize)

	for {
		n, err := c.RecvInto(chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("failed to read WebSocket frame payload", slog.Any("error", err), slog.String("conn_id", c.id))
			c.sendCloseControlFrame(StatusInternalError, "frame payload reading error")
			return nil
		}

		if n > 0 {
			if c.maxMessageSize > 0 && int64(buf.Len()+n) > c.maxMessageSize {
				c.logger.Error("WebSocket message exceeds maximum size", slog.Int64("limit", c.maxMessageSize), slog.String("conn_id", c.id))
				c.sendCloseControlFrame(StatusMessageTooBig, "message too big")
				return nil
			}
			buf.Write(chunk[:n])
		}

		// RecvInto signals the end of the current message, as opposed to
		// the end of the connection, by returning (0, nil) rather than
		// (0, io.EOF), with c.inFlight cleared and c.msgType reset.
		if n == 0 && c.inFlight == nil && c.msgType == opcodeContinuation {
			return c.finalizeMessage(c.lastMsgType, buf.Bytes())
		}
	}
}

func (c *Conn) finalizeMessage(op Opcode, data []byte) *internalMessage {
	if data == nil {
		data = []byte{}
	}

	c.logger.Debug("finished receiving WebSocket data message",
		slog.String("opcode", op.String()), slog.Int("length", len(data)), slog.String("conn_id", c.id))

	// "When an endpoint is to interpret a byte stream as UTF-8 but finds
	// that the byte stream is not, in fact, a valid UTF-8 stream, that
	// endpoint MUST _Fail the WebSocket Connection_. This rule applies both
	// during the opening handshake and during subsequent data exchange".
	if op == OpcodeText && len(data) > 0 && !utf8.Valid(data) {
		c.logger.Error("protocol error due to invalid UTF-8 text", slog.String("conn_id", c.id))
		c.sendCloseControlFrame(StatusInvalidData, "invalid UTF-8 text")
		return nil
	}

	return &internalMessage{Opcode: op, Data: data}
}

// defaultMaxFrameSize is the outbound fragmentation threshold used when a
// [Conn] wasn't configured with one explicitly.
const defaultMaxFrameSize = 256

// send splits data into chunks of at most c.maxFrameSize, writing the
// first chunk with the given opcode and the rest as Continuation frames,
// only setting fin on the last chunk, per
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.4. It returns a
// channel that receives the first error encountered (or nil), without
// blocking the caller while the chunks are sent.
func (c *Conn) send(op Opcode, data []byte) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.sendChunked(op, data)
	}()
	return result
}

func (c *Conn) sendChunked(op Opcode, data []byte) error {
	if c.ReadyState() != StateOpen {
		return ErrClosed
	}

	max := c.maxFrameSize
	if max <= 0 {
		max = defaultMaxFrameSize
	}

	if len(data) == 0 {
		return c.sendFrame(op, true, nil)
	}

	for offset := 0; offset < len(data); offset += max {
		end := offset + max
		if end > len(data) {
			end = len(data)
		}

		frameOp := op
		if offset > 0 {
			frameOp = opcodeContinuation
		}

		if err := c.sendFrame(frameOp, end == len(data), data[offset:end]); err != nil {
			return err
		}
	}

	return nil
}

func (c *Conn) sendFrame(op Opcode, fin bool, payload []byte) error {
	errCh := make(chan error, 1)
	c.writer <- internalMessage{Opcode: op, Data: payload, fin: fin, err: errCh}
	return <-errCh
}

// SendTextMessage sends a [UTF-8 text] message to the peer, fragmenting it
// into frames of at most the connection's configured max frame size.
//
// This is done asynchronously, to manage [isolation or safe multiplexing]
// of multiple concurrent calls, including interleaved control frames.
// Despite that, this function enables the caller to block and/or
// handle errors, with the returned channel.
//
// [UTF-8 text]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
// [isolation or safe multiplexing]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
func (c *Conn) SendTextMessage(data []byte) <-chan error {
	return c.send(OpcodeText, data)
}

// SendBinaryMessage sends a [binary] message to the peer, fragmenting it
// into frames of at most the connection's configured max frame size.
//
// [binary]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
func (c *Conn) SendBinaryMessage(data []byte) <-chan error {
	return c.send(OpcodeBinary, data)
}

// sendControlFrame sends a single unfragmented [WebSocket control frame] to
// the peer, routed through the same write goroutine as data frames so
// frames are never interleaved on the wire.
//
// Use this function instead of calling [Conn.writeFrame] directly!
//
// [WebSocket control frame]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
func (c *Conn) sendControlFrame(op Opcode, payload []byte) <-chan error {
	errCh := make(chan error, 1)
	c.writer <- internalMessage{Opcode: op, Data: payload, fin: true, err: errCh}
	return errCh
}

// SendPing sends a Ping control frame with the given (optional) payload.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.2
func (c *Conn) SendPing(payload []byte) <-chan error {
	return c.sendControlFrame(opcodePing, payload)
}

// SendPong sends an unsolicited Pong control frame with the given
// (optional) payload, independent of any Ping.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.3
func (c *Conn) SendPong(payload []byte) <-chan error {
	return c.sendControlFrame(opcodePong, payload)
}
