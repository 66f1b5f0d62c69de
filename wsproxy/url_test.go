package wsproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scryptedgw/scryptedgw/registry"
)

func TestBuildURL(t *testing.T) {
	for _, tc := range []struct {
		host, path, want string
	}{
		{"scrypted.local", "endpoint/@scrypted/core/public/", "https://scrypted.local:10443/endpoint/@scrypted/core/public/"},
		{"10.0.0.5:9443", "login", "https://10.0.0.5:9443/login"},
		{"scrypted.local", "", "https://scrypted.local:10443/"},
		{"scrypted.local", "a/./b/../c", "https://scrypted.local:10443/a/./b/../c"},
		{"scrypted.local", "a%20b/c%2Fd", "https://scrypted.local:10443/a%20b/c%2Fd"},
	} {
		u, err := BuildURL(tc.host, tc.path)
		require.NoError(t, err, "host=%s path=%s", tc.host, tc.path)
		assert.Equal(t, tc.want, u.String())
	}
}

func TestBuildURLInvalidHost(t *testing.T) {
	_, err := BuildURL("a:1:2", "x")
	require.Error(t, err)
	var urlErr *URLError
	require.ErrorAs(t, err, &urlErr)
	assert.Equal(t, "a:1:2", urlErr.Host)
	assert.ErrorIs(t, err, registry.ErrInvalidHost)
	assert.Equal(t, 400, statusFor(err))
}

func TestBuildURLPathEscape(t *testing.T) {
	for _, p := range []string{
		"..",
		"../etc/passwd",
		"a/../../b",
		"%2e%2e/secret",
		"a/%2E%2E/%2e%2e/b",
		"..%2f..%2fsecret",
	} {
		_, err := BuildURL("scrypted.local", p)
		assert.ErrorIs(t, err, ErrPathEscape, "path %q", p)
		assert.Equal(t, 400, statusFor(err), "path %q", p)
	}
}

func TestBuildURLHostConfusion(t *testing.T) {
	// the path may not change the authority
	u, err := BuildURL("scrypted.local", "@evil.example/x")
	require.NoError(t, err)
	assert.Equal(t, "scrypted.local:10443", u.Host)

	u, err = BuildURL("scrypted.local", "/evil.example/x")
	require.NoError(t, err)
	assert.Equal(t, "scrypted.local:10443", u.Host)
}

func TestURLCache(t *testing.T) {
	c := newURLCache()

	u1, err := c.build("tok", "scrypted.local", "a/b")
	require.NoError(t, err)
	u1.RawQuery = "x=1"

	u2, err := c.build("tok", "scrypted.local", "a/b")
	require.NoError(t, err)
	assert.Empty(t, u2.RawQuery, "cached URL must not be modified by callers")
	assert.Equal(t, 1, c.len())

	_, err = c.build("other", "other.local", "a/b")
	require.NoError(t, err)
	assert.Equal(t, 2, c.len())

	_, err = c.build("tok", "scrypted.local", "../x")
	assert.ErrorIs(t, err, ErrPathEscape)
	assert.Equal(t, 2, c.len(), "failures are not cached")

	c.forget("tok")
	assert.Equal(t, 1, c.len())

	c.clear()
	assert.Equal(t, 0, c.len())
}

func TestURLCacheFollowsHost(t *testing.T) {
	c := newURLCache()

	u, err := c.build("tok", "old.local:1234", "a/b")
	require.NoError(t, err)
	assert.Equal(t, "old.local:1234", u.Host)

	u, err = c.build("tok", "new.local:4321", "a/b")
	require.NoError(t, err)
	assert.Equal(t, "new.local:4321", u.Host)
	assert.Equal(t, "https://new.local:4321/a/b", u.String())
}

func TestURLCacheBounded(t *testing.T) {
	c := newURLCache()
	for i := 0; i <= maxCachedURLs; i++ {
		_, err := c.build("tok", "scrypted.local", string(rune('a'+i%26))+"/"+string(rune('0'+i/26%10))+"/"+string(rune('0'+i/260)))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, c.len(), maxCachedURLs)
}
