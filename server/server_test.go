package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"assistant-rpc/codec"
	"assistant-rpc/message"
	"assistant-rpc/protocol"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

// Gate blocks every call until release is closed and records the peak
// number of concurrent calls.
type Gate struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	entered chan struct{}
}

func newGate() *Gate {
	return &Gate{release: make(chan struct{}), entered: make(chan struct{}, 64)}
}

func (g *Gate) Wait(ctx context.Context, args *Args, reply *Reply) error {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	reply.Result = args.A
	return nil
}

func quietServer(workers int) *Server {
	return NewServer(Options{Workers: workers, Logger: log.New(io.Discard)})
}

func rawCall(t *testing.T, conn net.Conn, seq uint32, method string, args any) (*protocol.Header, *message.RPCMessage) {
	t.Helper()
	payload, err := json.Marshal(args)
	require.NoError(t, err)

	cdc := codec.GetCodec(codec.CodecTypeJSON)
	body, err := cdc.Encode(&message.RPCMessage{ServiceMethod: method, Payload: payload})
	require.NoError(t, err)

	header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypeRequest, Seq: seq}
	require.NoError(t, protocol.Encode(conn, &header, body))

	replyHeader, responseBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	resp := &message.RPCMessage{}
	require.NoError(t, cdc.Decode(responseBody, resp))
	return replyHeader, resp
}

func TestServer(t *testing.T) {
	svr := quietServer(0)
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	require.NoError(t, svr.Start())
	defer svr.Stop()

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	replyHeader, resp := rawCall(t, conn, 123, "Arith.Add", &Args{1, 2})
	assert.Equal(t, uint32(123), replyHeader.Seq)
	assert.Equal(t, protocol.CodecTypeJSON, replyHeader.CodecType)
	assert.Equal(t, protocol.MsgTypeResponse, replyHeader.MsgType)
	require.Empty(t, resp.Error)

	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Payload, &reply))
	assert.Equal(t, 3, reply.Result)
}

func TestServerUnknownTargets(t *testing.T) {
	svr := quietServer(0)
	require.NoError(t, svr.RegisterName("Math", &Arith{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	require.NoError(t, svr.Start())
	defer svr.Stop()

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, resp := rawCall(t, conn, 1, "Arith.Add", &Args{})
	assert.Contains(t, resp.Error, "can't find service")

	_, resp = rawCall(t, conn, 2, "Math.Sub", &Args{})
	assert.Contains(t, resp.Error, "can't find method")

	_, resp = rawCall(t, conn, 3, "Math", &Args{})
	assert.Contains(t, resp.Error, "invalid service method")

	_, resp = rawCall(t, conn, 4, "Math.Add", &Args{2, 3})
	assert.Empty(t, resp.Error)
}

func TestServerRegisterErrors(t *testing.T) {
	svr := quietServer(0)
	assert.Error(t, svr.Register(Arith{}), "non-pointer receiver")
	assert.Error(t, svr.Register(&struct{}{}), "no methods")
	require.NoError(t, svr.Register(&Arith{}))
	assert.Error(t, svr.Register(&Arith{}), "duplicate")
}

func TestServerLifecycleErrors(t *testing.T) {
	svr := quietServer(0)
	assert.ErrorIs(t, svr.Start(), ErrNotListening)
	assert.Nil(t, svr.Addr())

	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	assert.ErrorIs(t, svr.Listen("tcp", "127.0.0.1:0"), ErrAlreadyStarted)
	require.NoError(t, svr.Start())
	assert.ErrorIs(t, svr.Start(), ErrAlreadyStarted)

	svr.Stop()
	assert.ErrorIs(t, svr.Start(), ErrStopped)
}

// A client that connects after Listen but before Start is served once Start
// runs.
func TestServerBindBeforeStart(t *testing.T) {
	svr := quietServer(0)
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	defer svr.Stop()
	assert.False(t, svr.Serving())

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, svr.Start())
	assert.True(t, svr.Serving())

	_, resp := rawCall(t, conn, 9, "Arith.Add", &Args{4, 5})
	assert.Empty(t, resp.Error)
}

func TestServerWorkerPoolBound(t *testing.T) {
	const workers = 2
	svr := quietServer(workers)
	gate := newGate()
	require.NoError(t, svr.Register(gate))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	require.NoError(t, svr.Start())
	defer svr.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", svr.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			_, resp := rawCall(t, conn, uint32(n), "Gate.Wait", &Args{A: n})
			assert.Empty(t, resp.Error)
		}(i)
	}

	for i := 0; i < workers; i++ {
		<-gate.entered
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(workers), gate.active.Load())

	close(gate.release)
	wg.Wait()
	assert.Equal(t, int32(workers), gate.peak.Load())
}

func TestServerShutdownDrains(t *testing.T) {
	svr := quietServer(0)
	gate := newGate()
	require.NoError(t, svr.Register(gate))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	require.NoError(t, svr.Start())

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	result := make(chan *message.RPCMessage, 1)
	go func() {
		_, resp := rawCall(t, conn, 1, "Gate.Wait", &Args{A: 7})
		result <- resp
	}()
	<-gate.entered

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- svr.Shutdown(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, svr.Serving())
	select {
	case <-svr.Done():
		t.Fatal("server finished before in-flight request drained")
	default:
	}

	close(gate.release)
	require.NoError(t, <-shutdownErr)

	resp := <-result
	assert.Empty(t, resp.Error)
	assert.Equal(t, StopReasonGraceful, svr.StopReason())
	assert.NoError(t, svr.Wait())
}

func TestServerShutdownTimeout(t *testing.T) {
	svr := quietServer(0)
	gate := newGate()
	require.NoError(t, svr.Register(gate))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	require.NoError(t, svr.Start())

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	go func() {
		header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypeRequest, Seq: 1}
		body, _ := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.RPCMessage{ServiceMethod: "Gate.Wait", Payload: []byte(`{}`)})
		protocol.Encode(conn, &header, body)
	}()
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = svr.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StopReasonForced, svr.StopReason())
}

func TestServerStopAborts(t *testing.T) {
	svr := quietServer(0)
	gate := newGate()
	require.NoError(t, svr.Register(gate))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	require.NoError(t, svr.Start())

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypeRequest, Seq: 1}
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.RPCMessage{ServiceMethod: "Gate.Wait", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &header, body))
	<-gate.entered

	start := time.Now()
	svr.Stop()
	<-svr.Done()
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, svr.Serving())
	assert.Equal(t, StopReasonForced, svr.StopReason())

	// The connection is torn down rather than answered.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		h, _, err := protocol.Decode(conn)
		if err != nil {
			break
		}
		// A handler observing the cancelled context may race the close.
		assert.Equal(t, protocol.MsgTypeResponse, h.MsgType)
	}

	_, err = net.DialTimeout("tcp", svr.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

// brokenListener fails Accept with a non-close error once broken is closed.
type brokenListener struct {
	net.Listener
	broken chan struct{}
}

func (l *brokenListener) Accept() (net.Conn, error) {
	<-l.broken
	return nil, errors.New("too many open files")
}

func TestServerAcceptError(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := &brokenListener{Listener: inner, broken: make(chan struct{})}

	svr := quietServer(0)
	require.NoError(t, svr.ListenOn(l))
	assert.ErrorIs(t, svr.ListenOn(l), ErrAlreadyStarted)
	require.NoError(t, svr.Start())
	close(l.broken)

	assert.ErrorContains(t, svr.Wait(), "too many open files")
	assert.Equal(t, StopReasonError, svr.StopReason())
	assert.False(t, svr.Serving())
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "graceful", StopReasonGraceful.String())
	assert.Equal(t, "forced", StopReasonForced.String())
	assert.Equal(t, "none", StopReasonNone.String())
}
