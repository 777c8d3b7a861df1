package session

import "errors"

var (
	// ErrSessionInvalid covers expired, malformed, and unknown refresh
	// tokens. Surfaced to clients as a plain Forbidden.
	ErrSessionInvalid = errors.New("invalid refresh session")

	// ErrReuseDetected means a previously rotated-out token was
	// replayed. Every session of the implicated principal has already
	// been revoked by the time this is returned. Clients see the same
	// Forbidden as ErrSessionInvalid.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrPrincipalSuspended rejects rotation for an account suspended
	// after the token was issued.
	ErrPrincipalSuspended = errors.New("principal suspended")
)
