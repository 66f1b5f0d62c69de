package wsproxy

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://gateway.local/api/scrypted/tok/x", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("Cookie", "a=b")
	r.Header.Set("Content-Length", "12")
	r.Header.Set("Content-Encoding", "gzip")
	r.Header.Set("Transfer-Encoding", "chunked")
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("Sec-WebSocket-Key", "abc")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Protocol", "scrypted")
	r.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate")

	h, err := ForwardHeaders(r)
	require.NoError(t, err)

	assert.Equal(t, "a=b", h.Get("Cookie"))
	for _, k := range forwardDenyList {
		assert.Empty(t, h.Values(k), "header %s should not be forwarded", k)
	}
	assert.Equal(t, "192.0.2.10", h.Get("X-Forwarded-For"))
	assert.Equal(t, "gateway.local", h.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", h.Get("X-Forwarded-Proto"))

	// request headers are untouched
	assert.Equal(t, "abc", r.Header.Get("Sec-WebSocket-Key"))
}

func TestForwardHeadersMergesUpstreamProxy(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "https://gateway.local/x", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	r.Header.Set("X-Forwarded-Host", "public.example")
	r.Header.Set("X-Forwarded-Proto", "https")

	h, err := ForwardHeaders(r)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7, 192.0.2.10", h.Get("X-Forwarded-For"))
	assert.Equal(t, "public.example", h.Get("X-Forwarded-Host"))
	assert.Equal(t, "https", h.Get("X-Forwarded-Proto"))
}

func TestForwardHeadersTLS(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "https://gateway.local/x", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	r.TLS = &tls.ConnectionState{}

	h, err := ForwardHeaders(r)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", h.Get("X-Forwarded-For"))
	assert.Equal(t, "https", h.Get("X-Forwarded-Proto"))
}

func TestForwardHeadersNoPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://gateway.local/x", nil)
	r.RemoteAddr = ""

	_, err := ForwardHeaders(r)
	assert.ErrorIs(t, err, ErrNoPeer)
	assert.Equal(t, http.StatusBadRequest, statusFor(err))
}

func TestResponseHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	h.Set("Content-Length", "10")
	h.Set("Content-Encoding", "gzip")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Cache-Control", "max-age=60")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	out := ResponseHeaders(h)
	for _, k := range responseDenyList {
		assert.Empty(t, out.Values(k), k)
	}
	assert.Equal(t, "max-age=60", out.Get("Cache-Control"))
	assert.Equal(t, []string{"a=1", "b=2"}, out.Values("Set-Cookie"))
	assert.Equal(t, "text/html", h.Get("Content-Type"), "input is not modified")

	assert.NotNil(t, ResponseHeaders(nil))
}

func TestIsWebSocket(t *testing.T) {
	for _, tc := range []struct {
		connection, upgrade string
		want                bool
	}{
		{"Upgrade", "websocket", true},
		{"keep-alive, Upgrade", "WebSocket", true},
		{"upgrade", " websocket ", true},
		{"keep-alive", "websocket", false},
		{"Upgrade", "h2c", false},
		{"", "", false},
	} {
		r := httptest.NewRequest(http.MethodGet, "http://gateway.local/x", nil)
		if tc.connection != "" {
			r.Header.Set("Connection", tc.connection)
		}
		if tc.upgrade != "" {
			r.Header.Set("Upgrade", tc.upgrade)
		}
		assert.Equal(t, tc.want, IsWebSocket(r), "Connection=%q Upgrade=%q", tc.connection, tc.upgrade)
	}
}

func TestSubprotocols(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://gateway.local/x", nil)
	r.Header.Add("Sec-WebSocket-Protocol", "scrypted, graphql-ws")
	r.Header.Add("Sec-WebSocket-Protocol", " extra ,")
	assert.Equal(t, []string{"scrypted", "graphql-ws", "extra"}, subprotocols(r))

	assert.Nil(t, subprotocols(httptest.NewRequest(http.MethodGet, "http://gateway.local/x", nil)))
}
