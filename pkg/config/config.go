package config

import (
	"github.com/tzrikka/xdg"
	"github.com/urfave/cli-altsrc/v3"
)

const (
	dirName  = "websocket"
	fileName = "config.toml"
)

// File returns the path to the application's TOML configuration file,
// creating an empty one if it doesn't already exist.
func File() (altsrc.StringSourcer, error) {
	path, err := xdg.CreateFile(xdg.ConfigHome, dirName, fileName)
	if err != nil {
		return "", err
	}
	return altsrc.StringSourcer(path), nil
}
