// Package client provides the typed RPC handle the host uses to call the
// assistant extension.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"assistant-rpc/transport"
)

// ErrEmptyReply is returned when the remote answers without a payload.
var ErrEmptyReply = errors.New("client: empty reply")

// RemoteError is an error reported by the remote handler rather than the
// transport.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: server error: %s", e.Method, e.Msg)
}

// Client is a connection handle to one remote endpoint. It is safe for
// concurrent use.
type Client struct {
	addr string
	t    *transport.ClientTransport
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts transport.Options) (*Client, error) {
	t, err := transport.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return NewClient(addr, t), nil
}

// NewClient wraps an established transport.
func NewClient(addr string, t *transport.ClientTransport) *Client {
	return &Client{addr: addr, t: t}
}

// Addr is the remote address this client was dialed to.
func (c *Client) Addr() string {
	return c.addr
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the
// answer into reply. A nil reply discards the payload but still requires one.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	if _, _, ok := strings.Cut(serviceMethod, "."); !ok {
		return fmt.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}

	resp, err := c.t.Call(ctx, serviceMethod, args)
	if err != nil {
		return fmt.Errorf("%s: %w", serviceMethod, err)
	}
	if resp.Error != "" {
		return &RemoteError{Method: serviceMethod, Msg: resp.Error}
	}
	if len(resp.Payload) == 0 || string(resp.Payload) == "null" {
		return fmt.Errorf("%s: %w", serviceMethod, ErrEmptyReply)
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(resp.Payload, reply)
}

// Done is closed when the underlying connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.t.Done()
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.t.Close()
}
