package session

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEndpoint(t *testing.T) {
	e, err := NewEndpoint("localhost", 50051)
	require.NoError(t, err)
	assert.Equal(t, "localhost:50051", e.String())

	_, err = NewEndpoint("", 50051)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
	_, err = NewEndpoint("localhost", 0)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
	_, err = NewEndpoint("localhost", 65536)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "::1", Port: 9000}, e)
	assert.Equal(t, "[::1]:9000", e.String())

	for _, bad := range []string{"localhost", "localhost:http", ":9000", "localhost:70000"} {
		_, err := ParseEndpoint(bad)
		assert.ErrorIs(t, err, ErrInvalidEndpoint, bad)
	}
}

func TestAllocatePort(t *testing.T) {
	port, err := AllocatePort("127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	// The probe released the port, so it can be bound right away.
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	l.Close()
}

func TestAllocatePortDistinct(t *testing.T) {
	// Hold each port so the OS cannot hand it out twice.
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := AllocatePort("127.0.0.1")
		require.NoError(t, err)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		require.NoError(t, err)
		defer l.Close()
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
}

func TestAllocatePortDefaultHost(t *testing.T) {
	port, err := AllocatePort("")
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

func TestAllocatePortBadHost(t *testing.T) {
	_, err := AllocatePort("192.0.2.1")
	assert.ErrorIs(t, err, ErrPortAllocation)
}
