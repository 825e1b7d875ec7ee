package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRequestWireNames(t *testing.T) {
	data, err := json.Marshal(&HandshakeRequest{InferenceHostname: "localhost", InferencePort: 50051})
	require.NoError(t, err)
	assert.JSONEq(t, `{"inferenceHostname":"localhost","inferencePort":50051}`, string(data))
}

func TestMethodNames(t *testing.T) {
	assert.Equal(t, "RevaHandshake.Handshake", HandshakeMethod)
	assert.Equal(t, "RevaHeartbeat.Heartbeat", HeartbeatMethod)
}
