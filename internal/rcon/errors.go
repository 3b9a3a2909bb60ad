package rcon

import "errors"

// Error taxonomy. Every failure returned by the client wraps exactly one
// of these sentinels, so callers classify with errors.Is. All of them are
// fatal to the current connection: the client never retries internally,
// and after any of them the caller must Connect again.
var (
	// ErrConnection covers socket-level failures: refused, reset, or a
	// stream that closes mid-frame.
	ErrConnection = errors.New("connection failed")

	// ErrTLSHandshake covers TLS negotiation and verification failures.
	ErrTLSHandshake = errors.New("TLS handshake failed")

	// ErrAuthFailed is returned when the server echoes request id -1,
	// its signal that the password was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrProtocol covers malformed frames: bad padding, out-of-bounds
	// lengths, or a binary payload that fails to deserialize.
	ErrProtocol = errors.New("protocol violation")

	// ErrNotConnected is returned when a command is issued outside the
	// authenticated state.
	ErrNotConnected = errors.New("not connected")
)
