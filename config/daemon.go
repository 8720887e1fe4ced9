package config

import (
	"fmt"
	"net"
	"strconv"
)

// Daemon is the address of the local neetbox daemon.
// The HTTP API listens on Port and the WebSocket server on Port+1.
type Daemon struct {
	// Host is the daemon host (default: 127.0.0.1)
	Host string `yaml:"host"`
	// Port is the daemon HTTP port (default: 20202)
	Port int `yaml:"port"`
}

// Validate checks that both the HTTP and the socket port are usable.
func (d Daemon) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("host is empty")
	}
	if d.Port <= 0 || d.Port >= 65535 {
		return fmt.Errorf("port %d out of range (1-65534)", d.Port)
	}
	return nil
}

// SocketPort returns the WebSocket port, one above the HTTP port.
func (d Daemon) SocketPort() int {
	return d.Port + 1
}

// BaseURL returns the HTTP base URL of the daemon.
func (d Daemon) BaseURL() string {
	return "http://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SocketURL returns the WebSocket URL of the daemon.
func (d Daemon) SocketURL() string {
	return "ws://" + net.JoinHostPort(d.Host, strconv.Itoa(d.SocketPort()))
}
