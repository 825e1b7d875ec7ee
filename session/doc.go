// Package session bootstraps the RPC session between the host tool and the
// assistant extension.
//
// The host and the extension are started independently. The host binds and
// starts its own server, dials the extension, announces where it listens
// (handshake), then keeps checking that the extension is alive (heartbeat).
// When the extension stops answering the host server is stopped without
// draining, which ends the session.
//
// Startup order matters: the server is serving before the handshake goes out
// because the extension may call back the moment it learns the address.
package session
