// Wsgateway is a standalone WebSocket echo/relay server, exposing the
// configuration surface in [github.com/tzrikka/websocket/pkg/config] as a
// runnable CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/urfave/cli/v3"

	"github.com/tzrikka/websocket/internal/logger"
	"github.com/tzrikka/websocket/pkg/config"
	"github.com/tzrikka/websocket/pkg/websocket"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	path, err := config.File()
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}

	cmd := &cli.Command{
		Name:    "wsgateway",
		Usage:   "standalone WebSocket echo/relay server",
		Version: bi.Main.Version,
		Flags:   config.Flags(path),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	initLog(cmd.Bool("dev"))

	addr := cmd.String("listen-addr")
	subprotocols := cmd.StringSlice("subprotocols")
	maxFrameSize := cmd.Int("max-frame-size")
	maxMessageSize := cmd.Int("max-message-size")

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handleUpgrade(r.Context(), w, r, subprotocols, int(maxFrameSize), int64(maxMessageSize))
	})

	slog.InfoContext(ctx, "listening for WebSocket connections", slog.String("addr", addr))
	//nolint:gosec // Example server, no production timeout requirements.
	return http.ListenAndServe(addr, mux)
}

func handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, subprotocols []string, maxFrameSize int, maxMessageSize int64) {
	opts := []websocket.UpgradeOpt{
		websocket.WithCheckOrigin(websocket.CheckSameOrigin),
		websocket.WithServerMaxFrameSize(maxFrameSize),
		websocket.WithServerMaxMessageSize(maxMessageSize),
	}
	if len(subprotocols) > 0 {
		opts = append(opts, websocket.WithServerSubprotocols(subprotocols...))
	}

	conn, err := websocket.Upgrade(w, r, opts...)
	if err != nil {
		slog.ErrorContext(ctx, "upgrade error", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l := logger.FromContext(ctx).With(slog.String("conn_id", conn.ID()))
	l.Info("connection established", slog.String("subprotocol", conn.Subprotocol()))

	for msg := range conn.IncomingMessages() {
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

// initLog initializes the logger for the gateway process, based on whether
// it's running in development mode or not.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	slog.SetDefault(slog.New(handler))
}
