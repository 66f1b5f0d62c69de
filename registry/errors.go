package registry

import "errors"

var (
	// ErrInvalidHost is returned when a backend host string contains more
	// than one colon.  Such hosts are ambiguous and never repaired.
	ErrInvalidHost = errors.New("invalid Scrypted host")

	// ErrEmptyToken is returned when registering a backend without a token.
	ErrEmptyToken = errors.New("token must not be empty")
)
