// Package config defines the CLI flags, environment variables, and TOML
// configuration file keys of a WebSocket server binary, such as the
// gateway in cmd/wsgateway, independent of any one binary.
package config

import (
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	// DefaultListenAddr is used when neither a flag, environment
	// variable, nor config file specifies a listen address.
	DefaultListenAddr = "localhost:8080"

	// DefaultMaxFrameSize bounds outbound data frame fragmentation.
	DefaultMaxFrameSize = 32 * 1024

	// DefaultMaxMessageSize bounds inbound message reassembly.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// Flags defines CLI flags to configure a WebSocket server. These flags can
// also be set using environment variables and the application's
// configuration file.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "address to listen on for incoming WebSocket upgrades",
			Value: DefaultListenAddr,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSOCKET_LISTEN_ADDR"),
				toml.TOML("websocket.listen_addr", configFilePath),
			),
		},
		&cli.StringSliceFlag{
			Name:  "subprotocols",
			Usage: "subprotocols this server supports, in preference order",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSOCKET_SUBPROTOCOLS"),
				toml.TOML("websocket.subprotocols", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "max-frame-size",
			Usage: "maximum size, in bytes, of a single outbound data frame",
			Value: DefaultMaxFrameSize,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSOCKET_MAX_FRAME_SIZE"),
				toml.TOML("websocket.max_frame_size", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "max-message-size",
			Usage: "maximum size, in bytes, of a reassembled inbound message (0 = unlimited)",
			Value: DefaultMaxMessageSize,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSOCKET_MAX_MESSAGE_SIZE"),
				toml.TOML("websocket.max_message_size", configFilePath),
			),
		},
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "human-readable console logging, instead of JSON",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSOCKET_DEV"),
				toml.TOML("websocket.dev", configFilePath),
			),
		},
	}
}
