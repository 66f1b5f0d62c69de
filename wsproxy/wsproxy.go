package wsproxy

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taskcluster/slugid-go/slugid"

	"github.com/scryptedgw/scryptedgw/metrics"
	"github.com/scryptedgw/scryptedgw/registry"
)

const (
	// time allowed for the surviving direction to finish once the other
	// has ended
	closeGracePeriod = time.Second

	controlWriteTimeout = 20 * time.Second
)

// frame directions, as used in metrics
const (
	toBackend = "to_backend"
	toViewer  = "to_viewer"
)

func (p *Proxy) websocketProxy(w http.ResponseWriter, r *http.Request, token string, backend *registry.Backend, relPath string) (int, error) {
	// at this point, we are sure that r is a http websocket upgrade request
	target, err := p.targetURL(token, backend, relPath)
	if err != nil {
		return 0, err
	}
	target.Scheme = "wss"
	target.RawQuery = r.URL.RawQuery

	// the dialer adds the handshake headers itself and refuses duplicates
	reqHeader, err := ForwardHeaders(r)
	if err != nil {
		return 0, err
	}
	reqHeader.Del("Upgrade")
	reqHeader.Set("Authorization", "Bearer "+token)

	dialer := *p.dialer
	dialer.Subprotocols = subprotocols(r)

	backendConn, _, err := dialer.DialContext(r.Context(), target.String(), reqHeader)
	if err != nil {
		return 0, &UpstreamError{Backend: backend.Name, Err: err}
	}
	defer backendConn.Close()

	var resHeader http.Header
	if proto := backendConn.Subprotocol(); proto != "" {
		resHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	viewerConn, err := p.upgrader.Upgrade(w, r, resHeader)
	if err != nil {
		// Upgrade has already replied to the viewer
		p.logerrorf("", r.RemoteAddr, "could not upgrade viewer connection: path=%s, error: %v", relPath, err)
		return http.StatusBadRequest, nil
	}

	id := slugid.Nice()
	p.logf(id, r.RemoteAddr, "websocket session opened: backend=%s path=%s", backend.Name, relPath)
	metrics.WebSocketSessions.Inc()
	defer metrics.WebSocketSessions.Dec()

	code := bridgeConn(backendConn, viewerConn)
	p.logf(id, r.RemoteAddr, "websocket session closed: code=%d", code)
	return http.StatusSwitchingProtocols, nil
}

// bridgeConn relays frames between backend and viewer until either side
// ends, then closes both.  It returns the first close code observed.
func bridgeConn(backend *websocket.Conn, viewer *websocket.Conn) int {
	// control frames are forwarded rather than answered locally
	backend.SetPingHandler(forwardControl(websocket.PingMessage, viewer, toViewer))
	viewer.SetPingHandler(forwardControl(websocket.PingMessage, backend, toBackend))

	backend.SetPongHandler(forwardControl(websocket.PongMessage, viewer, toViewer))
	viewer.SetPongHandler(forwardControl(websocket.PongMessage, backend, toBackend))

	// close frames surface as errors from NextReader and are answered below
	backend.SetCloseHandler(func(code int, text string) error {
		return nil
	})
	viewer.SetCloseHandler(func(code int, text string) error {
		return nil
	})

	stopper := newStopper()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyWsData(viewer, backend, stopper, toViewer)
	}()
	go func() {
		defer wg.Done()
		copyWsData(backend, viewer, stopper, toBackend)
	}()

	code, text := stopper.wait()
	msg := closeMessage(code, text)
	deadline := time.Now().Add(closeGracePeriod)
	_ = backend.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = viewer.WriteControl(websocket.CloseMessage, msg, deadline)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGracePeriod):
	}

	// unblocks any pump still reading
	_ = backend.Close()
	_ = viewer.Close()
	<-done
	return code
}

// copyWsData copies messages from src to dest until src or dest fails or
// the stopper is set, recording the reason in the stopper.
func copyWsData(dest *websocket.Conn, src *websocket.Conn, stopper *stopper, direction string) {
	for {
		mtype, reader, err := src.NextReader()
		if err != nil {
			stopper.stop(closeCode(err))
			return
		}
		writer, err := dest.NextWriter(mtype)
		if err != nil {
			stopper.stop(closeCode(err))
			return
		}
		_, err = io.Copy(writer, reader)
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			stopper.stop(closeCode(err))
			return
		}
		metrics.WebSocketFrames.WithLabelValues(direction, frameType(mtype)).Inc()

		if stopper.isStopped() {
			return
		}
	}
}

// closeCode extracts the close code and text from a read or write error.
// Anything other than a close frame counts as an abnormal closure.
func closeCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

func forwardControl(messageType int, dest *websocket.Conn, direction string) func(string) error {
	return func(appData string) error {
		metrics.WebSocketFrames.WithLabelValues(direction, frameType(messageType)).Inc()
		err := dest.WriteControl(messageType, []byte(appData), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
}

func frameType(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	case websocket.CloseMessage:
		return "close"
	}
	return "unknown"
}
