package main

import (
	"time"

	"assistant-rpc/codec"
	"assistant-rpc/session"

	"github.com/spf13/viper"
)

// configFromViper overlays flags, env and config file values on the session
// defaults. Validation is left to session.New.
func configFromViper(v *viper.Viper) (session.Config, error) {
	cfg := session.DefaultConfig()

	cfg.ConnectHost = v.GetString("connect-host")
	cfg.ConnectPort = v.GetInt("connect-port")
	if v.IsSet("listen-host") {
		cfg.ListenHost = v.GetString("listen-host")
	}
	cfg.ListenPort = v.GetInt("listen-port")
	if v.IsSet("workers") {
		cfg.Workers = v.GetInt("workers")
	}

	ct, err := codec.ParseCodecType(v.GetString("codec"))
	if err != nil {
		return cfg, err
	}
	cfg.Codec = ct

	mode, err := session.ParseHeartbeatMode(v.GetString("heartbeat-mode"))
	if err != nil {
		return cfg, err
	}
	cfg.HeartbeatMode = mode

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"dial-timeout", &cfg.DialTimeout},
		{"handshake-timeout", &cfg.HandshakeTimeout},
		{"heartbeat-interval", &cfg.HeartbeatInterval},
		{"heartbeat-timeout", &cfg.HeartbeatTimeout},
		{"shutdown-timeout", &cfg.ShutdownTimeout},
		{"request-timeout", &cfg.RequestTimeout},
		{"keepalive", &cfg.KeepAlive},
	} {
		if v.IsSet(d.key) {
			*d.dst = v.GetDuration(d.key)
		}
	}

	cfg.RateLimit = v.GetFloat64("rate-limit")
	if v.IsSet("rate-burst") {
		cfg.RateBurst = v.GetInt("rate-burst")
	}
	if v.IsSet("advertise-ttl") {
		cfg.AdvertiseTTL = v.GetInt64("advertise-ttl")
	}
	return cfg, nil
}
