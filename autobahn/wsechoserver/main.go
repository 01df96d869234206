// Wsechoserver runs a plain echo server over this module's server-side
// [WebSocket upgrade], for the Autobahn Testsuite's fuzzing client to
// drive against.
//
// [WebSocket upgrade]: https://pkg.go.dev/github.com/tzrikka/websocket/pkg/websocket#Upgrade
package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/tzrikka/websocket/pkg/websocket"
)

const addr = "127.0.0.1:9002"

func main() {
	http.HandleFunc("/", echo)

	slog.Info("listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil { //nolint:gosec // Test harness, no timeouts needed.
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func echo(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r, websocket.WithCheckOrigin(websocket.CheckSameOrigin))
	if err != nil {
		slog.Error("upgrade error", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l := slog.With(slog.String("conn_id", conn.ID()))
	l.Info("connection established")

	for msg := range conn.IncomingMessages() {
		l.Debug("received message", slog.String("opcode", msg.Opcode.String()), slog.Int("length", len(msg.Data)))

		var sendErr error
		switch msg.Opcode {
		case websocket.OpcodeText:
			sendErr = <-conn.SendTextMessage(msg.Data)
		case websocket.OpcodeBinary:
			sendErr = <-conn.SendBinaryMessage(msg.Data)
		}

		if sendErr != nil {
			l.Error("echo error", slog.Any("error", sendErr))
			conn.Close(websocket.StatusNormalClosure)
			return
		}
	}

	l.Debug("connection closed")
}
