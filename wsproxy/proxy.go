package wsproxy

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"

	"github.com/scryptedgw/scryptedgw/internal/httputil"
	"github.com/scryptedgw/scryptedgw/metrics"
	"github.com/scryptedgw/scryptedgw/registry"
)

// DefaultDomain is the fixed path segment following /api/.
const DefaultDomain = "scrypted"

// Config contains the run time parameters for the proxy
type Config struct {
	// Registry resolves tokens to backends.  Required.
	Registry registry.Resolver

	// Logger is used to log proxy events.  Defaults to a null logger.
	Logger *logrus.Logger

	// Domain is the literal path segment of /api/<domain>/<token>/<path>.
	Domain string

	// AssetDir contains the core script and the two templates.
	AssetDir string

	// Backend configures TLS verification and timeouts toward backends.
	Backend httputil.BackendOptions
}

// Proxy relays viewer requests to the backend registered for the token in
// the request path.  New Proxy instances are created with wsproxy.New().
type Proxy struct {
	registry registry.Resolver
	logger   *logrus.Logger
	domain   string
	urls     *urlCache
	assets   *assetSet
	client   *http.Client
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New creates a new proxy.  Loading of the static assets starts in the
// background; requests for them wait until it completes.
func New(conf Config) (*Proxy, error) {
	if conf.Registry == nil {
		return nil, errors.New("wsproxy: no registry configured")
	}

	p := &Proxy{
		registry: conf.Registry,
		logger:   conf.Logger,
		domain:   conf.Domain,
		urls:     newURLCache(),
		client:   httputil.NewBackendClient(conf.Backend),
		dialer:   httputil.NewBackendDialer(conf.Backend),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if p.logger == nil {
		logger, _ := nullLog.NewNullLogger()
		p.logger = logger
	}
	if p.domain == "" {
		p.domain = DefaultDomain
	}

	p.assets = loadAssets(conf.AssetDir, p.logger)
	p.router = httputil.NewRouter(p)
	return p, nil
}

// RegisterService adds the proxy route to r.  The router must be created
// with httputil.NewRouter so that paths reach the proxy unmodified.
func (p *Proxy) RegisterService(r *mux.Router) {
	r.Handle("/api/"+p.domain+"/{token}/{path:.*}", http.HandlerFunc(p.handle))
}

// ServeHTTP implements http.Handler so that the proxy may be used directly
// as the handler of an http.Server.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// ForgetToken drops cached backend URLs for token, typically when the token
// is unregistered.
func (p *Proxy) ForgetToken(token string) {
	p.urls.forget(token)
}

// ClearURLCache drops all cached backend URLs.
func (p *Proxy) ClearURLCache() {
	p.urls.clear()
}

// targetURL returns the backend URL of relPath for token.
func (p *Proxy) targetURL(token string, backend *registry.Backend, relPath string) (*url.URL, error) {
	return p.urls.build(token, backend.Host, relPath)
}

// handle classifies a request as static asset, WebSocket or plain HTTP and
// hands it to the matching relay.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	relPath := vars["path"]

	kind, status, err := p.dispatch(w, r, vars["token"], relPath)
	if err != nil {
		if r.Context().Err() != nil {
			// Viewer disconnected; nothing to do.
			p.logger.WithField("remote-addr", r.RemoteAddr).Debugf("request abandoned: %v", err)
			return
		}
		status = statusFor(err)
		p.logerrorf("", r.RemoteAddr, "%s %s: %v", r.Method, relPath, err)
		http.Error(w, http.StatusText(status), status)
	}
	metrics.RequestsTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// dispatch returns the kind of request for metrics, the status written, and
// an error if nothing has been written to w yet.
func (p *Proxy) dispatch(w http.ResponseWriter, r *http.Request, rawToken, relPath string) (string, int, error) {
	token, err := url.PathUnescape(rawToken)
	if err != nil {
		return "invalid", 0, &URLError{Path: relPath, Err: ErrMalformedURL}
	}

	if a, ok := p.assets.lookup(relPath); ok {
		status, err := p.serveAsset(w, r, token, relPath, a)
		return "static", status, err
	}

	backend, ok := p.registry.Resolve(token)
	if !ok {
		return "unknown", 0, ErrUnknownToken
	}

	if IsWebSocket(r) {
		status, err := p.websocketProxy(w, r, token, backend, relPath)
		return "websocket", status, err
	}
	status, err := p.httpProxy(w, r, token, backend, relPath)
	return "http", status, err
}

// proxy logging utilities

func (p *Proxy) logf(id string, remoteAddr string, format string, v ...any) {
	p.logger.WithFields(logrus.Fields{
		"session-id":  id,
		"remote-addr": remoteAddr,
	}).Printf(format, v...)
}

func (p *Proxy) logerrorf(id string, remoteAddr string, format string, v ...any) {
	p.logger.WithFields(logrus.Fields{
		"session-id":  id,
		"remote-addr": remoteAddr,
	}).Errorf(format, v...)
}
