package wsproxy

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/scryptedgw/scryptedgw/registry"
)

// basePath is the path prefix every backend URL must stay under.
const basePath = "/"

// maxCachedURLs bounds the URL cache; it is emptied when full.
const maxCachedURLs = 1024

// BuildURL returns https://<host[:port]>/<relPath> for a backend host.
// relPath is used in its escaped form.  Failures are always *URLError.
func BuildURL(host, relPath string) (*url.URL, error) {
	authority, err := registry.Authority(host)
	if err != nil {
		return nil, &URLError{Host: host, Path: relPath, Err: err}
	}

	u, err := url.Parse("https://" + authority + basePath + relPath)
	if err != nil {
		return nil, &URLError{Host: host, Path: relPath, Err: fmt.Errorf("%w: %v", ErrMalformedURL, err)}
	}

	if u.Host != authority || !strings.HasPrefix(u.Path, basePath) || !contained(u.Path) {
		return nil, &URLError{Host: host, Path: relPath, Err: ErrPathEscape}
	}
	return u, nil
}

// contained reports whether p never climbs above its root when its dot
// segments are resolved.
func contained(p string) bool {
	depth := 0
	for _, seg := range strings.Split(strings.TrimPrefix(p, basePath), "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return false
			}
		default:
			depth++
		}
	}
	return true
}

type urlKey struct {
	token string
	host  string
	path  string
}

// urlCache memoizes BuildURL per (token, host, path).  Keying on the host
// means a token moved to another backend never sees a URL for the old one;
// forget only releases the memory.
type urlCache struct {
	m       sync.RWMutex
	entries map[urlKey]*url.URL
}

func newURLCache() *urlCache {
	return &urlCache{entries: make(map[urlKey]*url.URL)}
}

// build returns a copy of the cached URL, computing and caching it on a
// miss.  Failures are not cached.
func (c *urlCache) build(token, host, relPath string) (*url.URL, error) {
	key := urlKey{token: token, host: host, path: relPath}

	c.m.RLock()
	u, ok := c.entries[key]
	c.m.RUnlock()
	if ok {
		return cloneURL(u), nil
	}

	u, err := BuildURL(host, relPath)
	if err != nil {
		return nil, err
	}

	c.m.Lock()
	if len(c.entries) >= maxCachedURLs {
		c.entries = make(map[urlKey]*url.URL)
	}
	c.entries[key] = u
	c.m.Unlock()
	return cloneURL(u), nil
}

func (c *urlCache) forget(token string) {
	c.m.Lock()
	defer c.m.Unlock()
	for key := range c.entries {
		if key.token == token {
			delete(c.entries, key)
		}
	}
}

func (c *urlCache) clear() {
	c.m.Lock()
	defer c.m.Unlock()
	c.entries = make(map[urlKey]*url.URL)
}

func (c *urlCache) len() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return len(c.entries)
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	return &c
}
