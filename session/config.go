package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"assistant-rpc/codec"
	"assistant-rpc/server"
)

// HeartbeatMode selects whether the liveness check repeats.
type HeartbeatMode int

const (
	// ModePeriodic re-arms after every successful check.
	ModePeriodic HeartbeatMode = iota
	// ModeOnce checks a single time after the first interval.
	ModeOnce
)

func (m HeartbeatMode) String() string {
	if m == ModeOnce {
		return "once"
	}
	return "periodic"
}

// ParseHeartbeatMode accepts "periodic" or "once".
func ParseHeartbeatMode(s string) (HeartbeatMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "periodic":
		return ModePeriodic, nil
	case "once":
		return ModeOnce, nil
	default:
		return 0, fmt.Errorf("unknown heartbeat mode %q", s)
	}
}

// Config is everything a Session needs to come up.
type Config struct {
	ConnectHost string // extension host, required
	ConnectPort int    // extension port, required
	ListenHost  string
	ListenPort  int // 0 allocates a free port

	Workers int
	Codec   codec.CodecType

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatMode     HeartbeatMode
	ShutdownTimeout   time.Duration

	// RequestTimeout bounds each inbound call; zero leaves calls unbounded.
	RequestTimeout time.Duration
	// RateLimit caps inbound calls per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// KeepAlive sends transport keepalive frames on the outbound connection.
	KeepAlive time.Duration

	// AdvertiseTTL is the lease TTL in seconds used when a registry is set.
	AdvertiseTTL int64
}

// DefaultConfig returns defaults; ConnectHost and ConnectPort still need
// setting.
func DefaultConfig() Config {
	return Config{
		ListenHost:        "localhost",
		Workers:           server.DefaultWorkers,
		Codec:             codec.CodecTypeJSON,
		DialTimeout:       5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		HeartbeatMode:     ModePeriodic,
		ShutdownTimeout:   5 * time.Second,
		RateBurst:         20,
		AdvertiseTTL:      10,
	}
}

// Remote returns the extension endpoint.
func (c Config) Remote() (Endpoint, error) {
	return NewEndpoint(c.ConnectHost, c.ConnectPort)
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Remote(); err != nil {
		errs = append(errs, fmt.Errorf("connect endpoint: %w", err))
	}
	if c.ListenHost == "" {
		errs = append(errs, errors.New("listen host is required"))
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen port %d out of range", c.ListenPort))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"dial timeout", c.DialTimeout},
		{"handshake timeout", c.HandshakeTimeout},
		{"heartbeat interval", c.HeartbeatInterval},
		{"heartbeat timeout", c.HeartbeatTimeout},
		{"shutdown timeout", c.ShutdownTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate burst must be positive when rate limiting"))
	}
	return errors.Join(errs...)
}
