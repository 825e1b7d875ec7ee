package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"assistant-rpc/client"
	"assistant-rpc/message"

	"github.com/charmbracelet/log"
)

// SupervisorState is the heartbeat state machine's position.
type SupervisorState int

const (
	StateIdle    SupervisorState = iota
	StateArmed                   // timer pending
	StateFired                   // check executed
	StateStopped                 // Run returned
)

func (s SupervisorState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// HandleSource yields the current outbound connection.
type HandleSource interface {
	Current() (*client.Client, error)
}

// HeartbeatConfig tunes a Supervisor.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Mode     HeartbeatMode
}

// Supervisor checks the extension's liveness on a timer and calls onFailure
// when a check fails.
type Supervisor struct {
	source    HandleSource
	cfg       HeartbeatConfig
	onFailure func(error)
	logger    *log.Logger

	mu     sync.Mutex
	state  SupervisorState
	err    error
	checks int

	done chan struct{}
}

// DefaultHeartbeatInterval replaces a non-positive HeartbeatConfig.Interval.
const DefaultHeartbeatInterval = 30 * time.Second

// NewSupervisor builds an idle supervisor. onFailure runs on the supervisor's
// goroutine at most once.
func NewSupervisor(source HandleSource, cfg HeartbeatConfig, onFailure func(error), logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	return &Supervisor{
		source:    source,
		cfg:       cfg,
		onFailure: onFailure,
		logger:    logger.WithPrefix("heartbeat"),
		done:      make(chan struct{}),
	}
}

// Check performs one liveness RPC. A missing handle, transport error, remote
// error or empty reply all yield ErrLivenessCheckFailed.
func (s *Supervisor) Check(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrLivenessCheckFailed, r)
		}
	}()

	handle, err := s.source.Current()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLivenessCheckFailed, err)
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if err := handle.Call(ctx, message.HeartbeatMethod, &message.HeartbeatRequest{}, &message.HeartbeatResponse{}); err != nil {
		return fmt.Errorf("%w: %w", ErrLivenessCheckFailed, err)
	}
	return nil
}

// Run arms the timer and checks on every firing until ctx ends, a check
// fails, or, in once mode, after the first check. Failures are handed to
// onFailure and recorded; Run itself never panics or returns them.
func (s *Supervisor) Run(ctx context.Context) {
	defer func() {
		s.setState(StateStopped)
		close(s.done)
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.setState(StateArmed)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.setState(StateFired)
		err := s.Check(ctx)
		if err != nil && ctx.Err() != nil {
			// The session is already going down; not the extension's fault.
			return
		}

		s.mu.Lock()
		s.checks++
		s.err = err
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("heartbeat failed, shutting down", "err", err)
			if s.onFailure != nil {
				s.onFailure(err)
			}
			return
		}
		s.logger.Debug("heartbeat ok")
		if s.cfg.Mode == ModeOnce {
			return
		}
	}
}

func (s *Supervisor) setState(st SupervisorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the current state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that ended Run, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Checks returns how many checks have completed.
func (s *Supervisor) Checks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}
