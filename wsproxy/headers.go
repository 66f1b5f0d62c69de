package wsproxy

import (
	"net"
	"net/http"
	"strings"
)

// request headers which are either recomputed by the outbound client or
// belong to the inbound WebSocket handshake only
var forwardDenyList = []string{
	"Content-Length",
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Version",
	"Sec-Websocket-Key",
}

// response headers which the local server sets for the body it writes
var responseDenyList = []string{
	"Content-Type",
	"Content-Length",
	"Transfer-Encoding",
	"Content-Encoding",
}

// ForwardHeaders returns the headers to send to the backend for r, with
// X-Forwarded-For extended by the peer address and X-Forwarded-Host and
// X-Forwarded-Proto set unless an upstream proxy already set them.
func ForwardHeaders(r *http.Request) (http.Header, error) {
	peer := peerAddress(r)
	if peer == "" {
		return nil, ErrNoPeer
	}

	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, k := range forwardDenyList {
		header.Del(k)
	}

	if prior := header.Get("X-Forwarded-For"); prior != "" {
		header.Set("X-Forwarded-For", prior+", "+peer)
	} else {
		header.Set("X-Forwarded-For", peer)
	}
	if header.Get("X-Forwarded-Host") == "" {
		header.Set("X-Forwarded-Host", r.Host)
	}
	if header.Get("X-Forwarded-Proto") == "" {
		header.Set("X-Forwarded-Proto", scheme(r))
	}
	return header, nil
}

// ResponseHeaders returns the backend response headers to relay to the
// viewer.
func ResponseHeaders(h http.Header) http.Header {
	header := h.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, k := range responseDenyList {
		header.Del(k)
	}
	return header
}

// IsWebSocket reports whether r asks for a WebSocket upgrade: Connection
// must carry the token "upgrade" and Upgrade must equal "websocket".
func IsWebSocket(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// subprotocols splits the Sec-WebSocket-Protocol request header into its
// candidates.
func subprotocols(r *http.Request) []string {
	var protocols []string
	for _, v := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

func peerAddress(r *http.Request) string {
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
