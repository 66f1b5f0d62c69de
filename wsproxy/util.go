package wsproxy

import (
	"io"
	"net/http"
)

// flushWriter pushes every write to the viewer immediately when the
// ResponseWriter supports it.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	// flusher may not be implemented by a ResponseWriter wrapper
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	return fw
}

func (w *flushWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err == nil {
		w.Flush()
	}
	return n, err
}

func (w *flushWriter) Flush() {
	if w.f != nil {
		w.f.Flush()
	}
}

// copyChunked copies r to w in pieces of at most chunkSize bytes, writing
// each piece as soon as it has been read.  Read and write errors are
// distinguished so the caller can tell a failing backend from a departed
// viewer.
func copyChunked(w io.Writer, r io.Reader, chunkSize int) (written int64, readErr, writeErr error) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, nil, werr
			}
			if m != n {
				return written, nil, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil, nil
		}
		if err != nil {
			return written, err, nil
		}
	}
}
