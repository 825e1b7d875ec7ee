package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"assistant-rpc/registry"
	"assistant-rpc/session"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List assistant sessions advertised in etcd",
	Long: `Prints every running session that advertised its callback endpoint.
Requires --etcd-endpoints.

Examples:
  assistant sessions --etcd-endpoints localhost:2379
  assistant sessions --etcd-endpoints localhost:2379 --watch`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().Bool("watch", false, "keep printing the list whenever it changes")
	_ = viper.BindPFlag("sessions.watch", sessionsCmd.Flags().Lookup("watch"))
}

func runSessions(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	logger, err := newLogger(v)
	if err != nil {
		return err
	}
	reg, err := newRegistry(v, logger)
	if err != nil {
		return fmt.Errorf("connect registry: %w", err)
	}
	if reg == nil {
		return errors.New("--etcd-endpoints is required")
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !v.GetBool("sessions.watch") {
		instances, err := reg.Discover(ctx, session.AdvertiseService)
		if err != nil {
			return err
		}
		return printSessions(out, instances, time.Now())
	}

	for instances := range reg.Watch(ctx, session.AdvertiseService) {
		if err := printSessions(out, instances, time.Now()); err != nil {
			return err
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func printSessions(w io.Writer, instances []registry.ServiceInstance, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOCAL\tREMOTE\tUPTIME")
	for _, in := range instances {
		uptime := now.Sub(in.StartedAt).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", in.ID, in.Addr, in.Remote, uptime)
	}
	return tw.Flush()
}
