package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"assistant-rpc/client"
	"assistant-rpc/transport"
)

// Channels holds the session's single outbound connection to the extension.
// The handshake and every heartbeat go through it.
type Channels struct {
	opts        transport.Options
	dialTimeout time.Duration

	// mu is held across the dial so concurrent first callers cannot open two
	// connections.
	mu     sync.Mutex
	remote Endpoint
	handle *client.Client
}

// NewChannels returns an empty slot. A zero dialTimeout leaves dialing bounded
// only by the caller's context.
func NewChannels(opts transport.Options, dialTimeout time.Duration) *Channels {
	return &Channels{opts: opts, dialTimeout: dialTimeout}
}

// Connect returns the handle for remote, dialing it on first use. Asking for
// a different endpoint once connected fails with ErrEndpointMismatch.
func (c *Channels) Connect(ctx context.Context, remote Endpoint) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		if remote != c.remote {
			return nil, fmt.Errorf("%w: have %s, asked for %s", ErrEndpointMismatch, c.remote, remote)
		}
		return c.handle, nil
	}

	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	handle, err := client.Dial(ctx, remote.String(), c.opts)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}
	c.remote = remote
	c.handle = handle
	return handle, nil
}

// Current returns the established handle or ErrNotConnected.
func (c *Channels) Current() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil, ErrNotConnected
	}
	return c.handle, nil
}

// Close releases the handle. Current reports ErrNotConnected afterwards.
func (c *Channels) Close() error {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	if handle == nil {
		return nil
	}
	return handle.Close()
}
