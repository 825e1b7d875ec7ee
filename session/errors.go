package session

import "errors"

var (
	// ErrPortAllocation: probing for a free local port failed.
	ErrPortAllocation = errors.New("port allocation failed")
	// ErrHandshakeFailed: the extension was unreachable or the one-shot
	// announce RPC failed. Fatal to startup.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrNotConnected: a connection handle was requested before Connect.
	ErrNotConnected = errors.New("not connected")
	// ErrLivenessCheckFailed: the heartbeat RPC errored or returned nothing.
	ErrLivenessCheckFailed = errors.New("liveness check failed")
	// ErrEndpointMismatch: Connect was asked for a second, different remote.
	ErrEndpointMismatch = errors.New("already connected to a different endpoint")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrAlreadyRunning   = errors.New("session already running")
)
