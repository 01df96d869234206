package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
)

type benchmark struct {
	name      string
	msgLen    int
	bufLen    int
	frameLens []int
	frames    int
}

func BenchmarkReadMessage(b *testing.B) {
	benchmarks := []benchmark{
		{
			name:      "one_125b_frame",
			msgLen:    125,
			bufLen:    2 + 125,
			frameLens: []int{125},
			frames:    1,
		},
		{
			name:      "one_126b_frame",
			msgLen:    126,
			bufLen:    2 + 2 + 126,
			frameLens: []int{len16bits, 126},
			frames:    1,
		},
		{
			name:      "one_250b_frame",
			msgLen:    250,
			bufLen:    2 + 2 + 250,
			frameLens: []int{len16bits, 250},
			frames:    1,
		},
		{
			name:      "one_32k_frame",
			msgLen:    32768,
			bufLen:    2 + 2 + 32768,
			frameLens: []int{len16bits, 32768},
			frames:    1,
		},
		{
			name:      "one_64k-1_frame",
			msgLen:    65535,
			bufLen:    2 + 2 + 65535,
			frameLens: []int{len16bits, 65535},
			frames:    1,
		},
		{
			name:      "one_64k_frame",
			msgLen:    65536,
			bufLen:    2 + 8 + 65536,
			frameLens: []int{len64bits, 65536},
			frames:    1,
		},
		{
			name:      "one_128k_frame",
			msgLen:    131072,
			bufLen:    2 + 8 + 131072,
			frameLens: []int{len64bits, 131072},
			frames:    1,
		},
		{
			name:      "two_125b_frames",
			msgLen:    125 * 2,
			bufLen:    (2 + 125) * 2,
			frameLens: []int{125},
			frames:    2,
		},
		{
			name:      "two_32k_frames",
			msgLen:    32768 * 2,
			bufLen:    (2 + 2 + 32768) * 2,
			frameLens: []int{len16bits, 32768},
			frames:    2,
		},
		{
			name:      "two_64k_frames",
			msgLen:    65536 * 2,
			bufLen:    (2 + 8 + 65536) * 2,
			frameLens: []int{len64bits, 65536},
			frames:    2,
		},
	}

	c := &Conn{logger: slog.New(slog.DiscardHandler)}

	for _, bb := range benchmarks {
		b.Run(bb.name, func(b *testing.B) {
			f := constructBenchmarkFrame(b, bb)
			for b.Loop() {
				c.bufio = bufio.NewReadWriter(bufio.NewReader(bytes.NewReader(f)), nil)
				msg := c.readMessage()
				if n := len(msg.Data); n != bb.msgLen {
					b.Fatalf("len(msg): got %d, want %d", n, bb.msgLen)
				}
			}
		})
	}
}

func constructBenchmarkFrame(b *testing.B, bb benchmark) []byte {
	b.Helper()

	frame := make([]byte, bb.bufLen)
	i := 0
	if bb.frames == 1 {
		frame[i] = 0x82 // Binary data with FIN.
	} else if i == 0 {
		frame[i] = 0x02 // Binary data without FIN.
	}
	frame[i+1] = byte(bb.frameLens[0])
	i += 2

	switch bb.frameLens[0] {
	case len16bits:
		binary.BigEndian.PutUint16(frame[i:i+2], uint16(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
		_, _ = io.ReadFull(rand.Reader, frame[i+2:])
		i += 2 + bb.frameLens[1]
	case len64bits:
		binary.BigEndian.PutUint64(frame[i:i+8], uint64(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
		_, _ = io.ReadFull(rand.Reader, frame[i+8:])
		i += 8 + bb.frameLens[1]
	default: // Up to 125 bytes.
		_, _ = io.ReadFull(rand.Reader, frame[i:])
		i += bb.frameLens[0]
	}

	if bb.frames == 1 {
		return frame
	}

	frame[i] = 0x80 // Continuation with FIN.
	frame[i+1] = byte(bb.frameLens[0])
	i += 2

	switch bb.frameLens[0] {
	case len16bits:
		binary.BigEndian.PutUint16(frame[i:i+2], uint16(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
	case len64bits:
		binary.BigEndian.PutUint64(frame[i:i+8], uint64(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
	}

	return frame
}

func newTestServerConn(in []byte, out *bytes.Buffer) *Conn {
	return &Conn{
		logger:   slog.New(slog.DiscardHandler),
		isServer: true,
		bufio:    bufio.NewReadWriter(bufio.NewReader(bytes.NewReader(in)), bufio.NewWriter(out)),
		writer:   make(chan internalMessage),
		closer:   io.NopCloser(nil),
	}
}

// drainWriter stands in for [Conn.writeMessages] without requiring a real
// network connection, so [Conn.send]/[Conn.sendControlFrame] callers can be
// exercised directly.
func drainWriter(c *Conn) {
	go func() {
		for msg := range c.writer {
			msg.err <- c.writeFrame(msg.Opcode, msg.fin, msg.Data)
			close(msg.err)
		}
	}()
}

func TestConnSendTextMessageFragmentation(t *testing.T) {
	out := new(bytes.Buffer)
	c := newTestServerConn(nil, out)
	c.state = StateOpen
	c.maxFrameSize = 4
	drainWriter(c)

	if err := <-c.SendTextMessage([]byte("hello world")); err != nil {
		t.Fatalf("Conn.SendTextMessage() error = %v", err)
	}
	close(c.writer)

	r := bufio.NewReader(out)
	rc := &Conn{isServer: true, bufio: bufio.NewReadWriter(r, nil)}

	wantOpcodes := []Opcode{OpcodeText, opcodeContinuation, opcodeContinuation}
	wantFins := []bool{false, false, true}
	wantLens := []uint64{4, 4, 3}

	for i := range wantOpcodes {
		h, err := rc.readFrameHeader()
		if err != nil {
			t.Fatalf("readFrameHeader(%d) error = %v", i, err)
		}
		if h.opcode != wantOpcodes[i] || h.fin != wantFins[i] || h.payloadLength != wantLens[i] {
			t.Errorf("frame %d = %+v, want opcode=%v fin=%v len=%d", i, h, wantOpcodes[i], wantFins[i], wantLens[i])
		}
		payload := make([]byte, h.payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			t.Fatalf("reading payload %d: %v", i, err)
		}
	}
}

func TestConnReadMessageMaxMessageSize(t *testing.T) {
	// A single unmasked (server-received would be invalid, so this
	// simulates a client reading from a server) Text frame with a
	// 10-byte payload, but a 5-byte cap.
	frame := []byte{0x81, 10, 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j'}
	out := new(bytes.Buffer)
	c := &Conn{
		logger:         slog.New(slog.DiscardHandler),
		isServer:       false,
		rng:            rand.Reader,
		bufio:          bufio.NewReadWriter(bufio.NewReader(bytes.NewReader(frame)), bufio.NewWriter(out)),
		writer:         make(chan internalMessage),
		closer:         io.NopCloser(nil),
		maxMessageSize: 5,
	}
	drainWriter(c)

	if msg := c.readMessage(); msg != nil {
		t.Errorf("readMessage() = %+v, want nil after exceeding max message size", msg)
	}
	close(c.writer)
}

func TestConnRecvIntoSingleFrame(t *testing.T) {
	frame := []byte{0x81, 5, 'h', 'e', 'l', 'l', 'o'}
	c := &Conn{
		logger: slog.New(slog.DiscardHandler),
		bufio:  bufio.NewReadWriter(bufio.NewReader(bytes.NewReader(frame)), nil),
	}

	buf := make([]byte, 2)
	n, err := c.RecvInto(buf)
	if err != nil || n != 2 {
		t.Fatalf("RecvInto() = (%d, %v), want (2, nil)", n, err)
	}
	if string(buf[:n]) != "he" {
		t.Errorf("RecvInto() = %q, want %q", buf[:n], "he")
	}

	n, err = c.RecvInto(buf)
	if err != nil || n != 2 {
		t.Fatalf("RecvInto() = (%d, %v), want (2, nil)", n, err)
	}
	if string(buf[:n]) != "ll" {
		t.Errorf("RecvInto() = %q, want %q", buf[:n], "ll")
	}

	n, err = c.RecvInto(buf)
	if err != nil || n != 1 {
		t.Fatalf("RecvInto() = (%d, %v), want (1, nil)", n, err)
	}
	if string(buf[:n]) != "o" {
		t.Errorf("RecvInto() = %q, want %q", buf[:n], "o")
	}
}
