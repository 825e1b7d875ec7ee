package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"assistant-rpc/middleware"
	"assistant-rpc/registry"
	"assistant-rpc/server"
	"assistant-rpc/transport"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// AdvertiseService is the registry service name sessions are listed under.
const AdvertiseService = "assistant"

// Status is the session's lifecycle position.
type Status int

const (
	Unconnected Status = iota
	Connected
	Terminated
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Terminated:
		return "terminated"
	default:
		return "unconnected"
	}
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger; the default is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRegistry advertises the session endpoint in reg once connected.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Session) { s.registry = reg }
}

// Session pairs the host server with one extension endpoint.
type Session struct {
	id     string
	cfg    Config
	remote Endpoint

	server     *server.Server
	channels   *Channels
	supervisor *Supervisor
	registry   registry.Registry
	logger     *log.Logger

	listen func(network, address string) (net.Listener, error)

	running atomic.Bool
	ready   chan struct{}

	mu     sync.Mutex
	local  Endpoint
	status Status
}

// New validates cfg and builds an unconnected session. Assistant services are
// registered on Server() before Run.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	remote, _ := cfg.Remote()

	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		remote: remote,
		ready:  make(chan struct{}),
		logger: log.Default(),
		listen: net.Listen,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPrefix("session").With("id", s.id[:8])

	s.server = server.NewServer(server.Options{Workers: cfg.Workers, Logger: s.logger})
	s.server.Use(middleware.RecoverMiddleware(s.logger))
	s.server.Use(middleware.LoggingMiddleware(s.logger))
	if cfg.RateLimit > 0 {
		s.server.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.RequestTimeout > 0 {
		s.server.Use(middleware.TimeoutMiddleware(cfg.RequestTimeout))
	}

	s.channels = NewChannels(transport.Options{Codec: cfg.Codec, KeepAlive: cfg.KeepAlive}, cfg.DialTimeout)
	s.supervisor = NewSupervisor(s.channels, HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
		Mode:     cfg.HeartbeatMode,
	}, func(error) {
		// Not draining: the extension that would consume the replies is gone.
		s.server.Stop()
	}, s.logger)
	return s, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) Remote() Endpoint { return s.remote }
func (s *Session) Server() *server.Server { return s.server }
func (s *Session) Channels() *Channels { return s.channels }
func (s *Session) Supervisor() *Supervisor { return s.supervisor }
func (s *Session) Ready() <-chan struct{} { return s.ready }
func (s *Session) Done() <-chan struct{} { return s.server.Done() }
func (s *Session) StopReason() server.StopReason { return s.server.StopReason() }

// Local returns the endpoint the host server is bound to; zero before Run
// resolves it.
func (s *Session) Local() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Stop ends the session immediately without draining inbound calls.
func (s *Session) Stop() {
	s.server.Stop()
}

// Shutdown ends the session after in-flight inbound calls finish.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run brings the session up and blocks until it ends:
//
//  1. resolve the listen port (configured or allocated)
//  2. bind the server
//  3. start serving
//  4. connect to the extension
//  5. announce the local endpoint (handshake)
//  6. arm the heartbeat
//  7. wait for the server to stop
//
// A failure in steps 1 to 5 releases whatever was acquired and is returned; the
// session never reaches step 7. Cancelling ctx shuts the server down
// gracefully. Run returns nil when the session ended by Stop, Shutdown, ctx
// or heartbeat failure.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	// Stopping an unbound server just marks it done, so Done never hangs.
	release := []func(){s.server.Stop}
	started := false
	defer func() {
		if err == nil || started {
			return
		}
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
		s.setStatus(Terminated)
		s.logger.Error("session startup failed", "err", err)
	}()

	port := s.cfg.ListenPort
	if port == 0 {
		if port, err = AllocatePort(s.cfg.ListenHost); err != nil {
			return err
		}
	}
	local, err := NewEndpoint(s.cfg.ListenHost, port)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()

	l, err := s.listen("tcp", local.String())
	if err != nil {
		return fmt.Errorf("bind %s: %w", local, err)
	}
	if err := s.server.ListenOn(l); err != nil {
		l.Close()
		return fmt.Errorf("bind %s: %w", local, err)
	}

	if err := s.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// An unreachable extension fails the handshake like a refused one.
	handle, err := s.channels.Connect(ctx, s.remote)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	release = append(release, func() { s.channels.Close() })

	if err := Announce(ctx, handle, local, s.cfg.HandshakeTimeout); err != nil {
		return err
	}
	s.setStatus(Connected)
	s.logger.Info("session connected", "local", local, "remote", s.remote)

	s.advertise(ctx, local)

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	go s.supervisor.Run(hbCtx)
	close(s.ready)
	started = true

	select {
	case <-s.server.Done():
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown incomplete", "err", err)
		}
		cancel()
	}

	stopHeartbeat()
	<-s.supervisor.Done()
	s.withdraw()
	if err := s.channels.Close(); err != nil {
		s.logger.Debug("closing channel", "err", err)
	}
	s.setStatus(Terminated)

	if hbErr := s.supervisor.Err(); hbErr != nil {
		s.logger.Warn("session ended by heartbeat failure", "err", hbErr)
	} else {
		s.logger.Info("session ended", "reason", s.server.StopReason())
	}
	return s.server.Wait()
}

// advertise lists the session in the registry. Failing to advertise does not
// affect the session itself.
func (s *Session) advertise(ctx context.Context, local Endpoint) {
	if s.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	err := s.registry.Register(ctx, AdvertiseService, registry.ServiceInstance{
		ID:        s.id,
		Addr:      local.String(),
		Remote:    s.remote.String(),
		StartedAt: time.Now().UTC(),
	}, s.cfg.AdvertiseTTL)
	if err != nil {
		s.logger.Warn("advertise failed", "err", err)
	}
}

func (s *Session) withdraw() {
	if s.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()
	if err := s.registry.Deregister(ctx, AdvertiseService, s.id); err != nil {
		s.logger.Warn("withdraw failed", "err", err)
	}
}
