package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"assistant-rpc/extension"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var extensionCmd = &cobra.Command{
	Use:   "extension",
	Short: "Run a reference extension for manual testing",
	Long: `Serves RevaHandshake and RevaHeartbeat the way the analysis tool's
plugin does, logging every announced endpoint and heartbeat.

Examples:
  assistant extension --listen localhost:50051
  assistant extension --listen localhost:50051 --fail-heartbeat-after 3`,
	RunE: runExtension,
}

func init() {
	extensionCmd.Flags().String("listen", "localhost:50051", "address to serve on")
	extensionCmd.Flags().Int("fail-heartbeat-after", 0, "start failing heartbeats after this many; 0 never fails")
	_ = viper.BindPFlag("extension.listen", extensionCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("extension.fail-heartbeat-after", extensionCmd.Flags().Lookup("fail-heartbeat-after"))
}

func runExtension(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	logger, err := newLogger(v)
	if err != nil {
		return err
	}

	ext := extension.New(extension.Options{Logger: logger})
	if err := ext.Listen(v.GetString("extension.listen")); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	host, port := ext.HostPort()
	logger.Info("extension listening", "host", host, "port", port)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n := v.GetInt("extension.fail-heartbeat-after"); n > 0 {
		go failHeartbeatsAfter(ctx, ext, n)
	}

	for {
		select {
		case <-ctx.Done():
			ext.Stop()
			return nil
		case <-ext.Server().Done():
			return ext.Server().Wait()
		case req := <-ext.Announced():
			endpoint := net.JoinHostPort(req.InferenceHostname, strconv.Itoa(int(req.InferencePort)))
			logger.Info("assistant announced", "endpoint", endpoint)
		}
	}
}

// failHeartbeatsAfter makes the extension fail heartbeats once n have
// arrived.
func failHeartbeatsAfter(ctx context.Context, ext *extension.Extension, n int) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ext.Heartbeats() >= n {
				ext.FailHeartbeat(extension.ErrUnavailable)
				return
			}
		}
	}
}
