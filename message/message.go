// Package message defines the RPC envelope and the fixed schema of the two
// services the extension exposes to the host: Handshake and Heartbeat.
//
// RPCMessage is serialized by the codec layer and wrapped in a protocol frame.
package message

// RPCMessage carries one request or response.
//
//   - On request:  ServiceMethod is set, Payload holds the JSON args, Error is empty.
//   - On response: Payload holds the JSON reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // "Service.Method", e.g. "RevaHandshake.Handshake"
	Error         string
	Payload       []byte
}

// Service methods served by the extension.
const (
	HandshakeService = "RevaHandshake"
	HeartbeatService = "RevaHeartbeat"

	HandshakeMethod = HandshakeService + ".Handshake"
	HeartbeatMethod = HeartbeatService + ".Heartbeat"
)

// HandshakeRequest tells the extension where the host's server is listening.
type HandshakeRequest struct {
	InferenceHostname string `json:"inferenceHostname"`
	InferencePort     int32  `json:"inferencePort"`
}

// HandshakeResponse is an acknowledgement; its content is not interpreted.
type HandshakeResponse struct{}

// HeartbeatRequest has no fields.
type HeartbeatRequest struct{}

// HeartbeatResponse is an acknowledgement. An absent reply counts as a failed
// heartbeat.
type HeartbeatResponse struct{}
