package wsproxy

import (
	"sync"

	"github.com/gorilla/websocket"
)

// stopper manages stopping the two pumps of a bridge.  It is basically a
// protected boolean with functionality to set, check, and wait, which also
// remembers the close code and text of whichever side ended first.
type stopper struct {
	cond    sync.Cond
	stopped bool
	code    int
	text    string
}

func newStopper() *stopper {
	return &stopper{
		cond: sync.Cond{L: &sync.Mutex{}},
	}
}

// stop sets this stopper.  This can be called multiple times, and only the
// first call will have any effect.
func (s *stopper) stop(code int, text string) {
	s.cond.L.Lock()
	if !s.stopped {
		s.stopped = true
		s.code = code
		s.text = text
		s.cond.Broadcast()
	}
	s.cond.L.Unlock()
}

// check this stopper (without blocking)
func (s *stopper) isStopped() bool {
	s.cond.L.Lock()
	stopped := s.stopped
	s.cond.L.Unlock()
	return stopped
}

// wait for this stopper to stop, returning the recorded close code and text
func (s *stopper) wait() (int, string) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for !s.stopped {
		s.cond.Wait()
	}
	return s.code, s.text
}

// closeMessage returns the close frame payload to send to a peer for the
// given observed close code.  Codes which may not appear on the wire are
// replaced by going-away.
func closeMessage(code int, text string) []byte {
	switch code {
	case websocket.CloseNoStatusReceived:
		return websocket.FormatCloseMessage(code, "")
	case 0, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	}
	return websocket.FormatCloseMessage(code, text)
}
