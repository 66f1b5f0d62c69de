package wsproxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/scryptedgw/scryptedgw/registry"
)

var (
	// ErrPathEscape is returned when the requested path leaves the backend
	// base path once normalized.
	ErrPathEscape = errors.New("path escapes backend base path")

	// ErrMalformedURL is returned when the backend URL cannot be parsed.
	ErrMalformedURL = errors.New("malformed backend url")

	// ErrNoPeer is returned when the inbound request has no remote address.
	ErrNoPeer = errors.New("request has no peer address")

	// ErrUnknownToken is returned when the token is not registered.
	ErrUnknownToken = errors.New("token is not registered")
)

// URLError is returned by BuildURL.  Err is registry.ErrInvalidHost,
// ErrPathEscape or ErrMalformedURL, possibly wrapped with detail.
type URLError struct {
	Host string
	Path string
	Err  error
}

func (e *URLError) Error() string {
	return fmt.Sprintf("cannot build backend url for %q: %v", e.Path, e.Err)
}

func (e *URLError) Unwrap() error {
	return e.Err
}

// UpstreamError wraps a failure to communicate with the backend.
type UpstreamError struct {
	Backend string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// statusFor maps an error from the dispatcher or one of the relays to the
// status code reported to the viewer.
func statusFor(err error) int {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, registry.ErrInvalidHost),
		errors.Is(err, ErrPathEscape),
		errors.Is(err, ErrMalformedURL),
		errors.Is(err, ErrNoPeer):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownToken):
		return http.StatusNotFound
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
