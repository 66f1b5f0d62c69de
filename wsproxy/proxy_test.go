package wsproxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scryptedgw/scryptedgw/internal/mockscrypted"
	"github.com/scryptedgw/scryptedgw/registry"
)

func genLogger() *logrus.Logger {
	logger := &logrus.Logger{
		Out:       os.Stdout,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.DebugLevel,
	}
	return logger
}

// closedHost is a host:port which refuses connections
const closedHost = "127.0.0.1:1"

type testEnv struct {
	proxy       *Proxy
	registry    *registry.Registry
	server      *httptest.Server
	backend     *mockscrypted.Server
	backendHost string
}

func writeAssets(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		CoreScriptName:  "lit-core-content",
		EntryScriptName: "const domain = 'scrypted'; const token = '{{TOKEN}}';",
		EntryPageName:   "<html>{{APP}} html-content for {{TOKEN}}</html>",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func newTestEnvWithAssets(t *testing.T, assetDir string) *testEnv {
	t.Helper()
	backend := mockscrypted.New(t)
	_, host := mockscrypted.Start(t, backend)

	reg := registry.New()
	require.NoError(t, reg.Register("tok", registry.Backend{EntryID: "e1", Host: host, Name: "mock"}))

	proxy, err := New(Config{
		Registry: reg,
		Logger:   genLogger(),
		AssetDir: assetDir,
	})
	require.NoError(t, err)

	server := httptest.NewServer(proxy)
	t.Cleanup(server.Close)
	return &testEnv{
		proxy:       proxy,
		registry:    reg,
		server:      server,
		backend:     backend,
		backendHost: host,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithAssets(t, writeAssets(t))
}

func (env *testEnv) url(token, path string) string {
	return env.server.URL + "/api/scrypted/" + token + "/" + path
}

// noRedirectClient does not follow redirects so they can be observed
var noRedirectClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	res, err := noRedirectClient.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStaticCoreScript(t *testing.T) {
	env := newTestEnv(t)

	// served for any token
	res, body := get(t, env.url("unregistered", CoreScriptName))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "lit-core-content", string(body))
	assert.Equal(t, "text/javascript", res.Header.Get("Content-Type"))
	assert.Equal(t, "no-store, max-age=0", res.Header.Get("Cache-Control"))
}

func TestStaticEntryScript(t *testing.T) {
	env := newTestEnv(t)

	res, body := get(t, env.url("tok", EntryScriptName))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "scrypted")
	assert.Contains(t, string(body), "'tok'")
	assert.NotContains(t, string(body), TokenMarker)
	assert.Equal(t, "text/javascript", res.Header.Get("Content-Type"))
	assert.Equal(t, "no-store, max-age=0", res.Header.Get("Cache-Control"))
}

func TestStaticEntryPage(t *testing.T) {
	for _, tc := range []struct {
		name      string
		backend   registry.Backend
		expected  string
		forbidden string
	}{
		{"no flag", registry.Backend{}, "core html-content", "nvr"},
		{"options", registry.Backend{Options: map[string]bool{registry.OptionNVR: true}}, "nvr html-content", ""},
		{"data", registry.Backend{Data: map[string]bool{registry.OptionNVR: true}}, "nvr html-content", ""},
		{"data wins", registry.Backend{
			Data:    map[string]bool{registry.OptionNVR: true},
			Options: map[string]bool{registry.OptionNVR: false},
		}, "nvr html-content", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			tc.backend.Host = env.backendHost
			require.NoError(t, env.registry.Register("tok", tc.backend))

			res, body := get(t, env.url("tok", EntryPageName))
			assert.Equal(t, http.StatusOK, res.StatusCode)
			assert.Contains(t, string(body), tc.expected)
			assert.Contains(t, string(body), "for tok")
			if tc.forbidden != "" {
				assert.NotContains(t, string(body), tc.forbidden)
			}
			assert.Equal(t, "text/html", res.Header.Get("Content-Type"))
			assert.Equal(t, "no-store, max-age=0", res.Header.Get("Cache-Control"))
		})
	}
}

func TestStaticEntryScriptUnregisteredToken(t *testing.T) {
	env := newTestEnv(t)

	res, body := get(t, env.url("my_token", EntryScriptName))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "'my_token'")
	assert.Equal(t, "text/javascript", res.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
}

func TestStaticEntryPageRequiresRegisteredToken(t *testing.T) {
	env := newTestEnv(t)

	res, body := get(t, env.url("%3Cscript%3E", EntryPageName))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.NotContains(t, string(body), "<script>")
}

func TestStaticAssetMissing(t *testing.T) {
	env := newTestEnvWithAssets(t, t.TempDir())

	res, _ := get(t, env.url("tok", CoreScriptName))
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	res, _ := get(t, env.url("nope", "endpoint/x"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRouteRequiresPath(t *testing.T) {
	env := newTestEnv(t)

	res, _ := get(t, env.server.URL+"/api/scrypted/tok")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = get(t, env.server.URL+"/api/other/tok/x")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestProxyRequest(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.url("tok", "endpoint/@scrypted/core/api?a=1&b=two"), strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set("Cookie", "session=1")
	req.Header.Set("X-Custom", "yes")

	res, err := noRedirectClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Equal(t, "echo", res.Header.Get("X-Scrypted-Mock"))

	var echo mockscrypted.Echo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&echo))
	assert.Equal(t, http.MethodPost, echo.Method)
	assert.Equal(t, "/endpoint/@scrypted/core/api", echo.Path)
	assert.Equal(t, "a=1&b=two", echo.Query)
	assert.Equal(t, "payload", echo.Body)
	assert.Equal(t, "session=1", echo.Header.Get("Cookie"))
	assert.Equal(t, "yes", echo.Header.Get("X-Custom"))
	assert.Equal(t, "127.0.0.1", echo.Header.Get("X-Forwarded-For"))
	assert.Equal(t, strings.TrimPrefix(env.server.URL, "http://"), echo.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", echo.Header.Get("X-Forwarded-Proto"))
}

func TestProxyPreservesEncodedPath(t *testing.T) {
	env := newTestEnv(t)

	res, body := get(t, env.url("tok", "endpoint/a%2Fb/c%20d"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var echo mockscrypted.Echo
	require.NoError(t, json.Unmarshal(body, &echo))
	assert.Equal(t, "/endpoint/a%2Fb/c%20d", echo.Path)
}

func TestProxyEncodedToken(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("a b", registry.Backend{Host: env.backendHost}))

	res, _ := get(t, env.url("a%20b", "endpoint/x"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProxyPathEscape(t *testing.T) {
	env := newTestEnv(t)

	for _, p := range []string{"%2e%2e/%2e%2e/etc/passwd", "a/..%2f..%2fsecret"} {
		res, _ := get(t, env.url("tok", p))
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, p)
	}
}

func TestProxyInvalidBackendHost(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("bad", registry.Backend{Host: "a:1:2"}))

	res, _ := get(t, env.url("bad", "x"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestProxyBackendUnavailable(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("down", registry.Backend{Host: closedHost}))

	res, _ := get(t, env.url("down", "x"))
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestProxyBufferedResponse(t *testing.T) {
	env := newTestEnv(t)

	res, body := get(t, env.url("tok", "blob/100000"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/octet-stream", res.Header.Get("Content-Type"))
	assert.True(t, bytes.Equal(mockscrypted.Pattern(100000), body))
}

func TestProxyStreamedResponse(t *testing.T) {
	env := newTestEnv(t)

	for _, p := range []string{"blob/5000000", "blob/300000?chunked"} {
		res, body := get(t, env.url("tok", p))
		require.Equal(t, http.StatusOK, res.StatusCode, p)
		assert.Equal(t, int64(-1), res.ContentLength, "%s should be streamed", p)
		size := 5000000
		if strings.HasSuffix(p, "chunked") {
			size = 300000
		}
		assert.True(t, bytes.Equal(mockscrypted.Pattern(size), body), p)
	}
}

func TestProxyTruncatedResponse(t *testing.T) {
	env := newTestEnv(t)

	res, _ := get(t, env.url("tok", "truncated"))
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Empty(t, res.Header.Get("Set-Cookie"))
	assert.Empty(t, res.Header.Get("ETag"))
}

func TestProxyStatusRelayed(t *testing.T) {
	env := newTestEnv(t)

	res, body := get(t, env.url("tok", "status/418"))
	assert.Equal(t, http.StatusTeapot, res.StatusCode)
	assert.Equal(t, "I'm a teapot", string(body))
}

func TestProxyRedirectNotFollowed(t *testing.T) {
	env := newTestEnv(t)

	res, _ := get(t, env.url("tok", "redirect"))
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/echo/redirected", res.Header.Get("Location"))
}

func TestProxyDecodesCompressedResponse(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.url("tok", "gzip"), nil)
	require.NoError(t, err)
	// explicitly set, so the client does not decode on its own
	req.Header.Set("Accept-Encoding", "gzip")
	res, err := noRedirectClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, "plain body", string(body))
}

func TestForgetToken(t *testing.T) {
	env := newTestEnv(t)

	res, _ := get(t, env.url("tok", "endpoint/x"))
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, env.registry.Register("tok", registry.Backend{Host: closedHost}))
	env.proxy.ForgetToken("tok")

	res, _ = get(t, env.url("tok", "endpoint/x"))
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestTokenMovedWithoutForget(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("tok2", registry.Backend{Host: closedHost}))

	res, _ := get(t, env.url("tok2", "status/200"))
	require.Equal(t, http.StatusBadGateway, res.StatusCode)

	// no change hook is wired, so the proxy only learns of the move on resolve
	require.NoError(t, env.registry.Register("tok2", registry.Backend{Host: env.backendHost}))

	res, _ = get(t, env.url("tok2", "status/200"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestClearURLCache(t *testing.T) {
	env := newTestEnv(t)

	res, _ := get(t, env.url("tok", "endpoint/x"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, env.proxy.urls.len())

	env.proxy.ClearURLCache()
	assert.Equal(t, 0, env.proxy.urls.len())
}
