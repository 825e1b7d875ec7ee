package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"assistant-rpc/registry"
	"assistant-rpc/session"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCmd runs one assistant session against an extension.
var RootCmd = &cobra.Command{
	Use:   "assistant",
	Short: "Assistant RPC host",
	Long: `Starts the assistant's RPC server, announces its endpoint to the
analysis tool extension and keeps serving until the extension stops answering
heartbeats or the process is interrupted.

Every flag can also be set through ASSISTANT_<FLAG> (dashes become
underscores) or a config file passed with --config.

Examples:
  assistant --connect-host localhost --connect-port 50051
  assistant --connect-host localhost --connect-port 50051 --listen-port 50052 --heartbeat-mode once
  ASSISTANT_CONNECT_PORT=50051 assistant --connect-host localhost`,
	SilenceUsage: true,
	RunE:         runSession,
}

func init() {
	cobra.OnInitialize(readConfigFile)

	pf := RootCmd.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("env-file", ".env", "dotenv file with ASSISTANT_* variables, loaded if present")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.StringSlice("etcd-endpoints", nil, "etcd endpoints used to advertise sessions")
	pf.Duration("etcd-dial-timeout", 5*time.Second, "etcd dial timeout")

	def := session.DefaultConfig()
	f := RootCmd.Flags()
	f.String("connect-host", "", "extension host (required)")
	f.Int("connect-port", 0, "extension port (required)")
	f.String("listen-host", def.ListenHost, "host the assistant server binds to")
	f.Int("listen-port", 0, "port the assistant server binds to; 0 picks a free one")
	f.Int("workers", def.Workers, "maximum concurrently handled requests")
	f.String("codec", def.Codec.String(), "wire codec for outbound calls (json, binary)")
	f.Duration("dial-timeout", def.DialTimeout, "timeout for connecting to the extension")
	f.Duration("handshake-timeout", def.HandshakeTimeout, "timeout for the handshake call")
	f.Duration("heartbeat-interval", def.HeartbeatInterval, "delay between liveness checks")
	f.Duration("heartbeat-timeout", def.HeartbeatTimeout, "timeout for a single liveness check")
	f.String("heartbeat-mode", def.HeartbeatMode.String(), "heartbeat mode (periodic, once)")
	f.Duration("shutdown-timeout", def.ShutdownTimeout, "time allowed for in-flight requests on interrupt")
	f.Duration("request-timeout", 0, "per-request timeout for inbound calls; 0 disables")
	f.Float64("rate-limit", 0, "inbound requests per second; 0 disables")
	f.Int("rate-burst", def.RateBurst, "inbound request burst when rate limiting")
	f.Duration("keepalive", 0, "keepalive interval on the extension connection; 0 disables")
	f.Int64("advertise-ttl", def.AdvertiseTTL, "registry lease TTL in seconds")

	_ = viper.BindPFlags(pf)
	_ = viper.BindPFlags(f)

	viper.SetEnvPrefix("ASSISTANT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	RootCmd.AddCommand(extensionCmd, sessionsCmd)
}

func readConfigFile() {
	if envFile := viper.GetString("env-file"); envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", envFile, err)
			}
		}
	}

	path := viper.GetString("config")
	if path == "" {
		return
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "reading config %s: %v\n", path, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from --log-level.
func newLogger(v *viper.Viper) (*log.Logger, error) {
	level, err := log.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           level,
	})
	log.SetDefault(logger)
	return logger, nil
}

// newRegistry connects to etcd when endpoints are configured; a nil registry
// means sessions are not advertised.
func newRegistry(v *viper.Viper, logger *log.Logger) (*registry.EtcdRegistry, error) {
	endpoints := v.GetStringSlice("etcd-endpoints")
	if len(endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(endpoints, v.GetDuration("etcd-dial-timeout"), logger)
}

func runSession(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	logger, err := newLogger(v)
	if err != nil {
		return err
	}
	cfg, err := configFromViper(v)
	if err != nil {
		return err
	}

	opts := []session.Option{session.WithLogger(logger)}
	reg, err := newRegistry(v, logger)
	if err != nil {
		return fmt.Errorf("connect registry: %w", err)
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, session.WithRegistry(reg))
	}

	sess, err := session.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := sess.Server().RegisterName(InfoService, &infoService{sess: sess}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sess.Run(ctx)
}

func main() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("assistant exited", "err", err)
		}
		os.Exit(1)
	}
}
