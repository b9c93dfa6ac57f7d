package mesh

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live link.
	// Callers recover by buffering.
	ErrNotConnected = errors.New("not connected")

	// ErrNotFound reports an unknown node number or external id.
	ErrNotFound = errors.New("not found")

	// ErrProtocolViolation marks malformed or out-of-contract radio data.
	// The offending unit is dropped and the session continues.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrHandshakeIncomplete is reported when a config handshake completes
	// without an identity or without any node records.
	ErrHandshakeIncomplete = errors.New("handshake incomplete")
)
