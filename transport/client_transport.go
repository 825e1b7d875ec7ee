// Package transport implements the multiplexed client side of the protocol.
//
// ClientTransport lets several concurrent calls share one TCP connection. Each
// request gets a sequence ID and a background goroutine (recvLoop) routes each
// response to the caller waiting on that ID.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ extension
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"assistant-rpc/codec"
	"assistant-rpc/message"
	"assistant-rpc/protocol"
)

// ErrClosed is returned for calls on a transport whose connection is gone.
var ErrClosed = errors.New("transport: connection closed")

// Result is what a pending call eventually receives: a response from the
// remote, or Err when the connection broke before one arrived.
type Result struct {
	Resp *message.RPCMessage
	Err  error
}

// Options tunes a ClientTransport.
type Options struct {
	Codec codec.CodecType
	// KeepAlive sends an empty heartbeat frame at this interval so idle
	// connections are not reaped by middleboxes. Zero disables it.
	KeepAlive time.Duration
}

// ClientTransport manages one multiplexed connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32   // guarded by sending
	pending sync.Map // map[uint32]chan Result

	// sending serializes frame writes; without it concurrent writers would
	// interleave header and body bytes of different requests.
	sending sync.Mutex
	closed  error // guarded by sending

	done chan struct{}
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, addr string, opts Options) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, opts), nil
}

// NewClientTransport takes ownership of conn and starts recvLoop, plus
// keepaliveLoop if enabled.
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: opts.Codec,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if opts.KeepAlive > 0 {
		go t.keepaliveLoop(opts.KeepAlive)
	}
	return t
}

// Send serializes args and writes one request frame. The returned channel
// receives exactly one Result; its Err wraps ErrClosed if the connection
// breaks first.
func (t *ClientTransport) Send(serviceMethod string, args any) (uint32, <-chan Result, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, err
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.closed != nil {
		return 0, nil, t.closed
	}

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	// Register before writing so recvLoop can never see a response first.
	respChan := make(chan Result, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Call sends a request and waits for its response or for ctx to end. A broken
// connection is reported as an error wrapping ErrClosed, never as a response.
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, args any) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Resp, res.Err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// recvLoop is the only reader of conn; frame boundaries can only be parsed
// sequentially.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.sending.Lock()
			t.closed = errors.Join(ErrClosed, err)
			t.sending.Unlock()
			t.closeAllPending(t.closed)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.RPCMessage{Error: "transport: undecodable response: " + err.Error()}
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan Result) <- Result{Resp: resp}
		}
	}
}

// closeAllPending fails every waiting caller so none blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan Result) <- Result{Err: err}
		}
		return true
	})
}

func (t *ClientTransport) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		var err error
		if t.closed == nil {
			err = protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		}
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}

// Done is closed when the connection is gone.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err reports why the transport closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	t.sending.Lock()
	defer t.sending.Unlock()
	return t.closed
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close closes the connection; pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	<-t.done
	return err
}
