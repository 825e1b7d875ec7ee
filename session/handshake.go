package session

import (
	"context"
	"fmt"
	"time"

	"assistant-rpc/message"
)

// Caller is the slice of *client.Client the handshake needs.
type Caller interface {
	Call(ctx context.Context, serviceMethod string, args any, reply any) error
}

// Announce tells the extension where the host server listens. It is a single
// blocking request/response; any failure, including an empty reply, is
// reported as ErrHandshakeFailed and not retried.
func Announce(ctx context.Context, handle Caller, self Endpoint, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &message.HandshakeRequest{
		InferenceHostname: self.Host,
		InferencePort:     int32(self.Port),
	}
	if err := handle.Call(ctx, message.HandshakeMethod, req, &message.HandshakeResponse{}); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return nil
}
