// Package server implements the host-side RPC server the assistant extension
// calls back into.
//
// Binding and serving are separate steps so a caller can learn the bound
// address, start the worker pool, and only then tell the remote side where to
// connect:
//
//	Listen (bind) → Start (accept loop) → ... → Shutdown (drain) | Stop (abort)
//
// Request pipeline:
//
//	Accept conn → handleConn (single reader per conn)
//	  → acquire worker slot → go handleRequest
//	    → Codec.Decode → middleware chain → businessHandler (reflect.Call) → Codec.Encode → write
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"assistant-rpc/codec"
	"assistant-rpc/message"
	"assistant-rpc/middleware"
	"assistant-rpc/protocol"

	"github.com/charmbracelet/log"
)

// DefaultWorkers is the worker pool capacity when none is configured.
const DefaultWorkers = 10

// ErrShuttingDown is returned to callers whose request arrives while the
// server is draining.
const ErrShuttingDown = "server shutting down"

var (
	ErrNotListening   = errors.New("server: not listening")
	ErrAlreadyStarted = errors.New("server: already started")
	ErrStopped        = errors.New("server: stopped")
)

// StopReason records which path terminated the server.
type StopReason int

const (
	StopReasonNone     StopReason = iota
	StopReasonGraceful            // Shutdown: in-flight requests drained
	StopReasonForced              // Stop: listener and connections closed immediately
	StopReasonError               // accept loop failed
)

func (r StopReason) String() string {
	switch r {
	case StopReasonGraceful:
		return "graceful"
	case StopReasonForced:
		return "forced"
	case StopReasonError:
		return "error"
	default:
		return "none"
	}
}

type state int32

const (
	stateIdle state = iota
	stateListening
	stateServing
	stateStopped
)

// Options configures a Server.
type Options struct {
	Workers int
	Logger  *log.Logger
}

// Server is the RPC server. Services are registered with Register or
// RegisterName before Start.
type Server struct {
	mu         sync.RWMutex
	serviceMap map[string]*service

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener net.Listener
	state    atomic.Int32
	workers  chan struct{} // semaphore bounding concurrent handlers

	// baseCtx is the parent of every request context; Stop cancels it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	// inflightMu orders wg.Add against the draining flag so Shutdown's
	// wg.Wait never races a late Add.
	inflightMu sync.Mutex
	draining   bool
	wg         sync.WaitGroup

	stopOnce sync.Once
	done     chan struct{}
	reason   StopReason
	serveErr error

	logger *log.Logger
}

// NewServer creates a server with an empty service map.
func NewServer(opts Options) *Server {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		serviceMap: make(map[string]*service),
		workers:    make(chan struct{}, opts.Workers),
		baseCtx:    ctx,
		cancelBase: cancel,
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
		logger:     logger.WithPrefix("server"),
	}
}

// Register exposes rcvr's RPC methods under its type name.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr, "")
	if err != nil {
		return err
	}
	return svr.addService(svc)
}

// RegisterName exposes rcvr's RPC methods under name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(rcvr, name)
	if err != nil {
		return err
	}
	return svr.addService(svc)
}

func (svr *Server) addService(svc *service) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares apply in the order added and must
// be registered before Start.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the server to address without accepting connections yet.
// Dialers connecting between Listen and Start wait in the accept backlog.
func (svr *Server) Listen(network, address string) error {
	if state(svr.state.Load()) != stateIdle {
		return ErrAlreadyStarted
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if err := svr.ListenOn(listener); err != nil {
		listener.Close()
		return err
	}
	return nil
}

// ListenOn adopts an already bound listener in place of Listen. The server
// owns it from then on.
func (svr *Server) ListenOn(listener net.Listener) error {
	if !svr.state.CompareAndSwap(int32(stateIdle), int32(stateListening)) {
		return ErrAlreadyStarted
	}
	svr.listener = listener
	svr.logger.Debug("bound", "addr", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Start launches the accept loop. It returns once the server is accepting;
// inbound calls are dispatched to the worker pool from then on.
func (svr *Server) Start() error {
	if !svr.state.CompareAndSwap(int32(stateListening), int32(stateServing)) {
		switch state(svr.state.Load()) {
		case stateIdle:
			return ErrNotListening
		case stateStopped:
			return ErrStopped
		default:
			return ErrAlreadyStarted
		}
	}

	// Build the middleware chain once, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	go svr.acceptLoop()
	svr.logger.Info("serving", "addr", svr.listener.Addr(), "workers", cap(svr.workers))
	return nil
}

// Serve binds, starts and blocks until the server terminates.
func (svr *Server) Serve(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	if err := svr.Start(); err != nil {
		return err
	}
	return svr.Wait()
}

func (svr *Server) acceptLoop() {
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			// Close() during Stop/Shutdown surfaces here as an error.
			if svr.state.Load() == int32(stateStopped) {
				return
			}
			svr.logger.Error("accept failed", "err", err)
			svr.finish(StopReasonError, err)
			return
		}
		if !svr.trackConn(conn) {
			conn.Close()
			return
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) trackConn(conn net.Conn) bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.conns == nil {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrackConn(conn net.Conn) {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.conns != nil {
		delete(svr.conns, conn)
	}
}

// handleConn runs the single read loop for conn and fans requests out to the
// worker pool. All responses on one conn share writeMu so frames never
// interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.untrackConn(conn)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			svr.logger.Warn("unexpected frame", "type", header.MsgType, "remote", conn.RemoteAddr())
			continue
		}

		if !svr.acquire() {
			svr.reply(conn, writeMu, header, &message.RPCMessage{Error: ErrShuttingDown})
			continue
		}
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// acquire takes a worker slot and registers an in-flight request. It blocks
// while the pool is full and fails once the server is draining or stopped.
func (svr *Server) acquire() bool {
	select {
	case svr.workers <- struct{}{}:
	case <-svr.done:
		return false
	}

	svr.inflightMu.Lock()
	defer svr.inflightMu.Unlock()
	if svr.draining {
		<-svr.workers
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) release() {
	<-svr.workers
	svr.wg.Done()
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.release()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}
	if err := c.Decode(body, &msg); err != nil {
		svr.reply(conn, writeMu, header, &message.RPCMessage{Error: "bad request: " + err.Error()})
		return
	}

	resp := svr.handler(svr.baseCtx, &msg)
	svr.reply(conn, writeMu, header, resp)
}

// reply writes resp with the same seq and codec as the request it answers.
func (svr *Server) reply(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, resp *message.RPCMessage) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("encode reply", "method", resp.ServiceMethod, "err", err)
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Debug("write reply", "method", resp.ServiceMethod, "err", err)
	}
}

// Serving reports whether the server is accepting and dispatching calls.
func (svr *Server) Serving() bool {
	return svr.state.Load() == int32(stateServing)
}

// Done is closed once the server has terminated.
func (svr *Server) Done() <-chan struct{} {
	return svr.done
}

// Wait blocks until the server terminates. It returns the accept error if the
// server died on its own, nil after Stop or Shutdown.
func (svr *Server) Wait() error {
	<-svr.done
	return svr.serveErr
}

// StopReason reports how the server terminated.
func (svr *Server) StopReason() StopReason {
	select {
	case <-svr.done:
		return svr.reason
	default:
		return StopReasonNone
	}
}

// Stop terminates the server immediately: the listener and every open
// connection are closed and request contexts cancelled. In-flight calls are
// not drained.
func (svr *Server) Stop() {
	svr.finish(StopReasonForced, nil)
}

// Shutdown stops accepting, waits for in-flight requests to finish, then
// closes connections. If ctx expires first the server is stopped forcibly and
// ctx's error returned.
func (svr *Server) Shutdown(ctx context.Context) error {
	prev := state(svr.state.Swap(int32(stateStopped)))
	if prev == stateStopped {
		<-svr.done
		return nil
	}
	if svr.listener != nil {
		svr.listener.Close()
	}

	svr.inflightMu.Lock()
	svr.draining = true
	svr.inflightMu.Unlock()

	drained := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		svr.finish(StopReasonGraceful, nil)
		return nil
	case <-ctx.Done():
		svr.finish(StopReasonForced, nil)
		return fmt.Errorf("timeout waiting for in-flight requests: %w", ctx.Err())
	}
}

func (svr *Server) finish(reason StopReason, err error) {
	svr.stopOnce.Do(func() {
		svr.state.Store(int32(stateStopped))
		if svr.listener != nil {
			svr.listener.Close()
		}
		svr.cancelBase()

		svr.connMu.Lock()
		for conn := range svr.conns {
			conn.Close()
		}
		svr.conns = nil
		svr.connMu.Unlock()

		svr.reason = reason
		svr.serveErr = err
		close(svr.done)
		svr.logger.Info("stopped", "reason", reason)
	})
}

// businessHandler dispatches a request to the registered service method.
//
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}

	// 1. 解析 "Service.Method"
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || strings.Contains(methodName, ".") {
		resp.Error = "rpc: invalid service method format: " + req.ServiceMethod
		return resp
	}

	// 2. 查找 service 和 method
	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		resp.Error = "rpc: can't find service " + serviceName
		return resp
	}
	mtype := svc.method[methodName]
	if mtype == nil {
		resp.Error = "rpc: can't find method " + req.ServiceMethod
		return resp
	}

	// 3. reflect.New 出参数，反序列化 payload
	argv, replyv := mtype.newArgs()
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			resp.Error = "rpc: bad arguments: " + err.Error()
			return resp
		}
	}

	// 4. 反射调用，业务错误以字符串形式放进 resp.Error
	if err := svc.call(ctx, mtype, argv, replyv); err != nil {
		resp.Error = err.Error()
		return resp
	}

	// 5. 序列化 reply
	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		resp.Error = "rpc: marshal reply: " + err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}
