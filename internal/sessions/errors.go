package sessions

import "errors"

// Repository errors.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrSessionNotFound = errors.New("channel session not found")
)

// Session errors.
var (
	ErrNotConnected         = errors.New("channel not connected")
	ErrNoConnectedChannel   = errors.New("no connected channel available")
	ErrRateLimited          = errors.New("channel send rate exceeded")
	ErrCircuitOpen          = errors.New("channel circuit open")
	ErrCredentialsInvalid   = errors.New("channel credentials invalid")
	ErrCredentialsRequired  = errors.New("api sessions need a token and provider_ref")
	ErrTransportUnavailable = errors.New("no transport configured for session kind")
	ErrInvalidKind          = errors.New("invalid session kind")
	ErrNoPairingChallenge   = errors.New("no pairing challenge")
)
