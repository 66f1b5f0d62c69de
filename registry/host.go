package registry

import (
	"fmt"
	"strings"
)

// DefaultPort is the port a Scrypted server listens on for HTTPS when the
// configured host does not name one.
const DefaultPort = "10443"

// Authority returns the host[:port] to contact for the given configured host
// string.  A host with exactly one colon is used verbatim, a host without a
// colon gets DefaultPort, anything else is rejected.
func Authority(host string) (string, error) {
	switch strings.Count(host, ":") {
	case 0:
		if host == "" {
			return "", fmt.Errorf("%w: empty host", ErrInvalidHost)
		}
		return host + ":" + DefaultPort, nil
	case 1:
		return host, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
}
