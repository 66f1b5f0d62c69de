package wsproxy

import (
	"io"
	"net/http"

	"github.com/scryptedgw/scryptedgw/metrics"
	"github.com/scryptedgw/scryptedgw/registry"
)

const (
	// Responses with a declared length below this are read fully and
	// written in one piece; everything else is streamed.
	maxBufferedBodySize = 4194000

	streamChunkSize = 4096
)

// httpProxy relays a plain HTTP request to the backend and the backend's
// response to the viewer.  An error is returned only if nothing has been
// written to w.
func (p *Proxy) httpProxy(w http.ResponseWriter, r *http.Request, token string, backend *registry.Backend, relPath string) (int, error) {
	target, err := p.targetURL(token, backend, relPath)
	if err != nil {
		return 0, err
	}
	target.RawQuery = r.URL.RawQuery

	header, err := ForwardHeaders(r)
	if err != nil {
		return 0, err
	}
	// the transport negotiates and decodes compression itself, since
	// Content-Encoding is not relayed back to the viewer
	header.Del("Accept-Encoding")

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return 0, &URLError{Host: backend.Host, Path: relPath, Err: ErrMalformedURL}
	}
	req.Header = header
	req.ContentLength = r.ContentLength

	res, err := p.client.Do(req)
	if err != nil {
		return 0, &UpstreamError{Backend: backend.Name, Err: err}
	}
	defer res.Body.Close()

	if res.ContentLength >= 0 && res.ContentLength < maxBufferedBodySize {
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return 0, &UpstreamError{Backend: backend.Name, Err: err}
		}
		copyResponseHeaders(w, res)
		w.WriteHeader(res.StatusCode)
		if _, err := w.Write(data); err != nil {
			p.logger.WithField("remote-addr", r.RemoteAddr).Debugf("writing response: %v", err)
		}
		return res.StatusCode, nil
	}

	copyResponseHeaders(w, res)
	w.WriteHeader(res.StatusCode)
	fw := newFlushWriter(w)
	fw.Flush()

	written, readErr, writeErr := copyChunked(fw, res.Body, streamChunkSize)
	metrics.StreamedBytes.Add(float64(written))
	switch {
	case readErr != nil:
		p.logerrorf("", r.RemoteAddr, "backend %s ended stream of %s early: %v", backend.Name, relPath, readErr)
	case writeErr != nil:
		p.logf("", r.RemoteAddr, "viewer left stream of %s after %d bytes", relPath, written)
	}
	return res.StatusCode, nil
}

// copyResponseHeaders sets the relayed headers of res on w.  It is called
// only once the response is committed, so an error reply never carries
// backend headers.
func copyResponseHeaders(w http.ResponseWriter, res *http.Response) {
	for k, v := range ResponseHeaders(res.Header) {
		w.Header()[k] = v
	}
	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
}
