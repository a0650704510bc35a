package services

import "errors"

// Error taxonomy for the session protocol. Handlers map these onto the
// proxy's HTTP surface; everything else that leaks out of a service is a
// plain wrapped error and surfaces as a server error.
var (
	// ErrAuthenticationFailed — the backend rejected the login credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPermissionDenied — the contest is not open to this user.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBackendUnavailable — the backend could not be reached, timed out,
	// or produced a response the transport could not parse. Retried once
	// per logical call before surfacing.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrProtocolViolation — the backend answered in a shape the session
	// protocol does not recognize. Indicates a backend contract change.
	ErrProtocolViolation = errors.New("backend protocol violation")
)
