package wsproxy

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Names of the files served locally instead of being proxied.
const (
	CoreScriptName  = "lit-core.min.js"
	EntryScriptName = "entrypoint.js"
	EntryPageName   = "entrypoint.html"
)

// Markers replaced in the entry script and entry page templates.
const (
	TokenMarker = "{{TOKEN}}"
	AppMarker   = "{{APP}}"
)

// Values substituted for AppMarker.
const (
	appNVR  = "nvr"
	appCore = "core"
)

const noCache = "no-store, max-age=0"

// asset is a file body which becomes available once, after which every
// reader observes the same value.
type asset struct {
	done chan struct{}
	body string
	err  error
}

func newAsset() *asset {
	return &asset{done: make(chan struct{})}
}

func (a *asset) resolve(body string, err error) {
	a.body, a.err = body, err
	close(a.done)
}

// wait blocks until the asset is loaded or ctx is done.
func (a *asset) wait(ctx context.Context) (string, error) {
	select {
	case <-a.done:
		return a.body, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type assetSet struct {
	byName map[string]*asset
}

// loadAssets starts reading the three local files in the background and
// returns immediately.
func loadAssets(dir string, logger *logrus.Logger) *assetSet {
	s := &assetSet{byName: map[string]*asset{
		CoreScriptName:  newAsset(),
		EntryScriptName: newAsset(),
		EntryPageName:   newAsset(),
	}}

	go func() {
		var g errgroup.Group
		for name, a := range s.byName {
			g.Go(func() error {
				data, err := os.ReadFile(filepath.Join(dir, name))
				a.resolve(string(data), err)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			logger.WithField("asset-dir", dir).Errorf("could not load static assets: %v", err)
		}
	}()
	return s
}

func (s *assetSet) lookup(name string) (*asset, bool) {
	a, ok := s.byName[name]
	return a, ok
}

// serveAsset writes one of the local files for token.  The entry page is
// only rendered for registered tokens, since it depends on the backend and
// an arbitrary path segment must never be reflected into a page.
func (p *Proxy) serveAsset(w http.ResponseWriter, r *http.Request, token, name string, a *asset) (int, error) {
	contentType := "text/javascript"
	var replacements []string

	switch name {
	case EntryScriptName:
		replacements = []string{TokenMarker, token}
	case EntryPageName:
		backend, ok := p.registry.Resolve(token)
		if !ok {
			return 0, ErrUnknownToken
		}
		contentType = "text/html"
		app := appCore
		if backend.NVREnabled() {
			app = appNVR
		}
		replacements = []string{TokenMarker, token, AppMarker, app}
	}

	body, err := a.wait(r.Context())
	if err != nil {
		return 0, err
	}
	if len(replacements) > 0 {
		body = strings.NewReplacer(replacements...).Replace(body)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", noCache)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write([]byte(body))
	if err != nil {
		p.logger.Debugf("writing %s: %v", name, err)
	}
	return http.StatusOK, nil
}
