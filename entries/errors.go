package entries

import "errors"

var (
	// ErrReauthRequired is returned when an entry cannot be set up with its
	// stored credentials and needs new ones.
	ErrReauthRequired = errors.New("entry requires re-authentication")

	// ErrNotReady is returned when the Scrypted server could not be reached.
	// Setup should be retried later.
	ErrNotReady = errors.New("scrypted server not ready")

	// ErrUnknownEntry is returned when no entry with the given id is set up.
	ErrUnknownEntry = errors.New("unknown entry")
)
