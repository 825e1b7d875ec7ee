package session

import (
	"fmt"
	"net"
)

// AllocatePort asks the OS for a free TCP port on host and releases it
// immediately. The port was free at the moment of the probe; nothing stops
// another process from taking it before the caller binds.
func AllocatePort(host string) (int, error) {
	if host == "" {
		host = "localhost"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPortAllocation, err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPortAllocation, err)
	}
	return port, nil
}
