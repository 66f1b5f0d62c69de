// Package mockscrypted provides a fake Scrypted server for tests.
package mockscrypted

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/scryptedgw/scryptedgw/internal/httputil"
)

// Echo is the body written by the echo endpoint.
type Echo struct {
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Query  string      `json:"query"`
	Header http.Header `json:"header"`
	Body   string      `json:"body"`
}

// Server is a fake Scrypted server.
type Server struct {
	t *testing.T

	Username string
	Password string
	Token    string

	// WebSocket handles upgraded connections on /ws.  Defaults to echoing
	// every message.
	WebSocket func(conn *websocket.Conn, r *http.Request)

	upgrader websocket.Upgrader

	mu       sync.Mutex
	wsHeader http.Header
}

func New(t *testing.T) *Server {
	t.Helper()
	return &Server{
		t:        t,
		Username: "admin",
		Password: "secret",
		Token:    "backend-token",
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"scrypted", "graphql-ws"},
		},
	}
}

// Start serves s over TLS until the test ends.  It returns the server and
// its host:port.
func Start(t *testing.T, s *Server) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(httputil.NewRouter(s))
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "https://")
}

func (s *Server) RegisterService(r *mux.Router) {
	r.HandleFunc("/login", s.Login).Methods("GET")
	r.HandleFunc("/ws", s.ServeWebSocket)
	r.HandleFunc("/blob/{size}", s.Blob).Methods("GET")
	r.HandleFunc("/gzip", s.Gzip).Methods("GET")
	r.HandleFunc("/redirect", s.Redirect)
	r.HandleFunc("/status/{code}", s.Status)
	r.HandleFunc("/truncated", s.Truncated).Methods("GET")
	r.PathPrefix("/").HandlerFunc(s.Echo)
}

// WebSocketHeader returns the handshake headers of the last WebSocket
// connection.
func (s *Server) WebSocketHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsHeader.Clone()
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.Username || pass != s.Password {
		WriteAsJSON(s.t, w, map[string]string{"error": "Not logged in."})
		return
	}
	WriteAsJSON(s.t, w, map[string]string{"token": s.Token, "username": user})
}

func (s *Server) Echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.t.Errorf("reading request body: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Scrypted-Mock", "echo")
	WriteAsJSON(s.t, w, Echo{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   string(body),
	})
}

// Blob writes size bytes of a repeating pattern.  With ?chunked the length
// is not declared.
func (s *Server) Blob(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.Atoi(Vars(r)["size"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, chunked := r.URL.Query()["chunked"]
	w.Header().Set("Content-Type", "application/octet-stream")
	if !chunked {
		w.Header().Set("Content-Length", strconv.Itoa(size))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(Pattern(size))
}

// Gzip writes a compressed body when the client accepts it.
func (s *Server) Gzip(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		_, _ = w.Write([]byte("plain body"))
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	_, _ = gz.Write([]byte("plain body"))
	_ = gz.Close()
}

func (s *Server) Redirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/echo/redirected", http.StatusFound)
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(Vars(r)["code"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(http.StatusText(code)))
}

// Truncated declares a body longer than it sends and then drops the
// connection.
func (s *Server) Truncated(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", "1000")
	w.Header().Set("Set-Cookie", "session=backend")
	w.Header().Set("ETag", `"truncated"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("partial"))

	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		s.t.Errorf("hijacking connection: %v", err)
		return
	}
	_ = conn.Close()
}

func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.wsHeader = r.Header.Clone()
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("backend upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if s.WebSocket != nil {
		s.WebSocket(conn, r)
		return
	}
	for {
		mtype, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mtype, data); err != nil {
			return
		}
	}
}

// Pattern returns size bytes of deterministic content.
func Pattern(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte('a' + i%26)
	}
	return buf
}

func Vars(r *http.Request) map[string]string {
	encodedVars := mux.Vars(r)
	decodedVars := make(map[string]string, len(encodedVars))
	var err error
	for i, j := range encodedVars {
		decodedVars[i], err = url.PathUnescape(j)
		if err != nil {
			panic(err)
		}
	}
	return decodedVars
}

func WriteAsJSON(t *testing.T, w http.ResponseWriter, resp any) {
	t.Helper()
	bytes, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Write(bytes)
	if err != nil {
		t.Error(err)
	}
}
