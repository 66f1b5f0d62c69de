package httputil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type ServiceProvider interface {
	RegisterService(r *mux.Router)
}

// NewRouter returns a router with all of the given services registered.
// Paths are matched in their encoded form and are not cleaned, so that
// path segments reach the services exactly as the client sent them.
func NewRouter(providers ...ServiceProvider) *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	for _, p := range providers {
		p.RegisterService(r)
	}
	return r
}

// BackendOptions control how connections to backends are made.
type BackendOptions struct {
	// VerifyTLS enables certificate verification.  Backends commonly use
	// self-signed certificates, so it is off by default.
	VerifyTLS bool

	// DialTimeout bounds TCP connection setup and the TLS and WebSocket
	// handshakes.  Zero means 10 seconds.
	DialTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after the
	// request is written.  Zero means no limit.
	ResponseHeaderTimeout time.Duration

	// RootCAs overrides the system roots when VerifyTLS is set.
	RootCAs *x509.CertPool
}

func (o BackendOptions) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return o.DialTimeout
}

// TLSConfig returns the client TLS configuration for backend connections.
func (o BackendOptions) TLSConfig() *tls.Config {
	return &tls.Config{
		RootCAs:            o.RootCAs,
		InsecureSkipVerify: !o.VerifyTLS, // #nosec G402 -- backends use self-signed certificates
	}
}

// NewBackendClient returns an HTTP client for backend requests.  The client
// never follows redirects; they are relayed to the caller as-is.
func NewBackendClient(o BackendOptions) *http.Client {
	dialer := &net.Dialer{
		Timeout:   o.dialTimeout(),
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSClientConfig:       o.TLSConfig(),
			TLSHandshakeTimeout:   o.dialTimeout(),
			ResponseHeaderTimeout: o.ResponseHeaderTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewBackendDialer returns a WebSocket dialer for backend connections.
func NewBackendDialer(o BackendOptions) *websocket.Dialer {
	dialer := &net.Dialer{
		Timeout:   o.dialTimeout(),
		KeepAlive: 30 * time.Second,
	}
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   dialer.DialContext,
		TLSClientConfig:  o.TLSConfig(),
		HandshakeTimeout: o.dialTimeout(),
	}
}

// WaitForListener polls addr until a TCP connection succeeds, ctx is done
// or timeout elapses.
func WaitForListener(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		} else {
			_ = conn.Close()
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for %v to be active after %v", addr, timeout)
}
