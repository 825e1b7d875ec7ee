package session

import (
	"context"
	"io"
	"testing"
	"time"

	"assistant-rpc/client"
	"assistant-rpc/extension"
	"assistant-rpc/message"
	"assistant-rpc/middleware"
	"assistant-rpc/transport"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicSource struct{}

func (panicSource) Current() (*client.Client, error) { panic("source exploded") }

func connected(t *testing.T, ep Endpoint) *Channels {
	t.Helper()
	ch := NewChannels(transport.Options{}, time.Second)
	_, err := ch.Connect(context.Background(), ep)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestSupervisorPeriodic(t *testing.T) {
	ext, ep := startExtension(t, extension.Options{})
	sup := NewSupervisor(connected(t, ep), HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: time.Second}, func(err error) {
		t.Errorf("unexpected failure: %v", err)
	}, quietLogger())
	assert.Equal(t, StateIdle, sup.State())

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	assert.Eventually(t, func() bool { return ext.Heartbeats() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-sup.Done()

	assert.Equal(t, StateStopped, sup.State())
	assert.NoError(t, sup.Err())
	assert.GreaterOrEqual(t, sup.Checks(), 3)
}

func TestSupervisorOnce(t *testing.T) {
	ext, ep := startExtension(t, extension.Options{})
	sup := NewSupervisor(connected(t, ep), HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: time.Second, Mode: ModeOnce}, nil, quietLogger())

	go sup.Run(context.Background())
	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("once mode did not stop after the first check")
	}

	assert.Equal(t, 1, sup.Checks())
	assert.Equal(t, 1, ext.Heartbeats())
	assert.NoError(t, sup.Err())
}

func TestSupervisorFailureTriggersCallback(t *testing.T) {
	ext, ep := startExtension(t, extension.Options{})
	ext.FailHeartbeat(extension.ErrUnavailable)

	failed := make(chan error, 1)
	const interval = 20 * time.Millisecond
	sup := NewSupervisor(connected(t, ep), HeartbeatConfig{Interval: interval, Timeout: time.Second}, func(err error) {
		failed <- err
	}, quietLogger())

	start := time.Now()
	go sup.Run(context.Background())

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrLivenessCheckFailed)
		assert.ErrorContains(t, err, extension.ErrUnavailable.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback not invoked")
	}
	assert.GreaterOrEqual(t, time.Since(start), interval)

	<-sup.Done()
	assert.ErrorIs(t, sup.Err(), ErrLivenessCheckFailed)
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisorCheckWithoutHandle(t *testing.T) {
	sup := NewSupervisor(NewChannels(transport.Options{}, time.Second), HeartbeatConfig{Interval: time.Hour}, nil, quietLogger())
	err := sup.Check(context.Background())
	assert.ErrorIs(t, err, ErrLivenessCheckFailed)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSupervisorCheckPanicContained(t *testing.T) {
	sup := NewSupervisor(panicSource{}, HeartbeatConfig{Interval: time.Hour}, nil, quietLogger())
	err := sup.Check(context.Background())
	assert.ErrorIs(t, err, ErrLivenessCheckFailed)
	assert.ErrorContains(t, err, "source exploded")
}

func TestSupervisorEmptyReply(t *testing.T) {
	ext := extension.New(extension.Options{Logger: quietLogger()})
	ext.Server().Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			resp.Payload = nil
			return resp
		}
	})
	require.NoError(t, ext.Listen("127.0.0.1:0"))
	defer ext.Stop()
	host, port := ext.HostPort()

	sup := NewSupervisor(connected(t, Endpoint{Host: host, Port: port}), HeartbeatConfig{Interval: time.Hour, Timeout: time.Second}, nil, quietLogger())
	err := sup.Check(context.Background())
	assert.ErrorIs(t, err, ErrLivenessCheckFailed)
	assert.ErrorIs(t, err, client.ErrEmptyReply)
}

func TestSupervisorCheckTimeout(t *testing.T) {
	ext := extension.New(extension.Options{Logger: quietLogger()})
	ext.Server().Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			<-ctx.Done()
			return next(ctx, req)
		}
	})
	require.NoError(t, ext.Listen("127.0.0.1:0"))
	defer ext.Stop()
	host, port := ext.HostPort()

	sup := NewSupervisor(connected(t, Endpoint{Host: host, Port: port}), HeartbeatConfig{Interval: time.Hour, Timeout: 20 * time.Millisecond}, nil, quietLogger())
	err := sup.Check(context.Background())
	assert.ErrorIs(t, err, ErrLivenessCheckFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisorStoppedBeforeFiring(t *testing.T) {
	sup := NewSupervisor(NewChannels(transport.Options{}, time.Second), HeartbeatConfig{Interval: time.Hour}, func(error) {
		t.Error("no check should run")
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	assert.Eventually(t, func() bool { return sup.State() == StateArmed }, time.Second, time.Millisecond)
	cancel()
	<-sup.Done()
	assert.Equal(t, 0, sup.Checks())
}

func TestSupervisorZeroIntervalDefaults(t *testing.T) {
	sup := NewSupervisor(NewChannels(transport.Options{}, time.Second), HeartbeatConfig{}, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	assert.Eventually(t, func() bool { return sup.State() == StateArmed }, time.Second, time.Millisecond)
	cancel()
	<-sup.Done()
	assert.Equal(t, 0, sup.Checks())
}
