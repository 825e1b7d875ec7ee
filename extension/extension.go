// Package extension is a reference implementation of the remote side of the
// session: it serves the Handshake and Heartbeat services the host calls.
//
// Real extensions live in the analysis tool's plugin and are written in
// whatever language that tool uses; this one exists so the host can be
// exercised end to end, in tests and through `assistant extension`.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"assistant-rpc/message"
	"assistant-rpc/server"

	"github.com/charmbracelet/log"
)

// ErrUnavailable is the default injected heartbeat failure.
var ErrUnavailable = errors.New("extension unavailable")

// HandshakeFunc runs inside the Handshake handler, after the announced
// endpoint has been recorded. Returning an error fails the handshake.
type HandshakeFunc func(ctx context.Context, req message.HandshakeRequest) error

// Options configures an Extension.
type Options struct {
	Logger      *log.Logger
	OnHandshake HandshakeFunc
}

// Extension serves RevaHandshake and RevaHeartbeat.
type Extension struct {
	svr    *server.Server
	logger *log.Logger

	onHandshake HandshakeFunc
	announced   chan message.HandshakeRequest

	mu           sync.Mutex
	handshakes   []message.HandshakeRequest
	handshakeErr error
	heartbeatErr error

	beats atomic.Int64
}

// New builds an extension with its services registered but not yet bound.
func New(opts Options) *Extension {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	e := &Extension{
		svr:         server.NewServer(server.Options{Workers: 4, Logger: logger}),
		logger:      logger.WithPrefix("extension"),
		onHandshake: opts.OnHandshake,
		announced:   make(chan message.HandshakeRequest, 16),
	}
	// Both receivers have exactly one suitable method, so registration
	// cannot fail.
	if err := e.svr.RegisterName(message.HandshakeService, &handshakeService{e}); err != nil {
		panic(err)
	}
	if err := e.svr.RegisterName(message.HeartbeatService, &heartbeatService{e}); err != nil {
		panic(err)
	}
	return e
}

// Server exposes the underlying server, e.g. to install middleware before
// Start.
func (e *Extension) Server() *server.Server {
	return e.svr
}

// Listen binds and starts serving on address.
func (e *Extension) Listen(address string) error {
	if err := e.svr.Listen("tcp", address); err != nil {
		return err
	}
	return e.svr.Start()
}

// HostPort returns the bound host and port.
func (e *Extension) HostPort() (string, int) {
	host, port, err := net.SplitHostPort(e.svr.Addr().String())
	if err != nil {
		return "", 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// Stop shuts the extension down immediately.
func (e *Extension) Stop() {
	e.svr.Stop()
}

// Announced delivers every accepted handshake in arrival order.
func (e *Extension) Announced() <-chan message.HandshakeRequest {
	return e.announced
}

// Handshakes returns the handshakes received so far, accepted or not.
func (e *Extension) Handshakes() []message.HandshakeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]message.HandshakeRequest(nil), e.handshakes...)
}

// Heartbeats returns how many heartbeat calls have arrived.
func (e *Extension) Heartbeats() int {
	return int(e.beats.Load())
}

// FailHandshake makes subsequent handshakes fail with err; nil restores
// normal behaviour.
func (e *Extension) FailHandshake(err error) {
	e.mu.Lock()
	e.handshakeErr = err
	e.mu.Unlock()
}

// FailHeartbeat makes subsequent heartbeats fail with err; nil restores
// normal behaviour.
func (e *Extension) FailHeartbeat(err error) {
	e.mu.Lock()
	e.heartbeatErr = err
	e.mu.Unlock()
}

type handshakeService struct{ e *Extension }

func (s *handshakeService) Handshake(ctx context.Context, req *message.HandshakeRequest, resp *message.HandshakeResponse) error {
	e := s.e
	e.mu.Lock()
	e.handshakes = append(e.handshakes, *req)
	failure := e.handshakeErr
	e.mu.Unlock()

	e.logger.Info("handshake", "host", req.InferenceHostname, "port", req.InferencePort)
	if failure != nil {
		return failure
	}
	if req.InferencePort <= 0 || req.InferencePort > 65535 {
		return fmt.Errorf("invalid inference port %d", req.InferencePort)
	}
	if e.onHandshake != nil {
		if err := e.onHandshake(ctx, *req); err != nil {
			return err
		}
	}

	select {
	case e.announced <- *req:
	default:
		e.logger.Warn("announcement buffer full, dropping", "port", req.InferencePort)
	}
	return nil
}

type heartbeatService struct{ e *Extension }

func (s *heartbeatService) Heartbeat(req *message.HeartbeatRequest, resp *message.HeartbeatResponse) error {
	e := s.e
	n := e.beats.Add(1)

	e.mu.Lock()
	failure := e.heartbeatErr
	e.mu.Unlock()

	e.logger.Debug("heartbeat", "n", n, "failing", failure != nil)
	return failure
}
