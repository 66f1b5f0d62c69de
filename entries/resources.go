package entries

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/taskcluster/slugid-go/slugid"
)

// Resource types
const (
	ResourceModule = "module"
	ResourceCSS    = "css"
)

// ErrReadOnly is returned by a ResourceStore which cannot be modified.
var ErrReadOnly = errors.New("resource store is read-only")

// Resource is a frontend resource which dashboards load to render the
// Scrypted cards.
type Resource struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// CardResources returns the resources providing the Scrypted cards for the
// server registered under token.
func CardResources(domain, token string) []Resource {
	base := "/api/" + domain + "/" + token + "/endpoint/@scrypted/nvr/assets/web-components"
	return []Resource{
		{Type: ResourceModule, URL: base + ".js"},
		{Type: ResourceCSS, URL: base + ".css"},
	}
}

// PanelURL returns the module URL of the Scrypted panel for token.
func PanelURL(domain, token string) string {
	return "/api/" + domain + "/" + token + "/entrypoint.js"
}

// ResourceStore holds the set of frontend resources.
type ResourceStore interface {
	// Items returns all resources.
	Items(ctx context.Context) ([]Resource, error)
	// Create adds r and returns it with its assigned ID.
	Create(ctx context.Context, r Resource) (Resource, error)
	// Delete removes the resource with the given ID.
	Delete(ctx context.Context, id string) error
	// Managed reports whether resources may be created and deleted.  When
	// false they are maintained by hand.
	Managed() bool
}

// MemoryResourceStore is a ResourceStore kept in memory.
type MemoryResourceStore struct {
	// ReadOnly marks the store as maintained by hand.
	ReadOnly bool

	mu    sync.RWMutex
	items map[string]Resource
}

// NewMemoryResourceStore returns a store containing the given resources.
func NewMemoryResourceStore(readOnly bool, initial ...Resource) *MemoryResourceStore {
	s := &MemoryResourceStore{
		ReadOnly: readOnly,
		items:    make(map[string]Resource, len(initial)),
	}
	for _, r := range initial {
		if r.ID == "" {
			r.ID = slugid.Nice()
		}
		s.items[r.ID] = r
	}
	return s
}

func (s *MemoryResourceStore) Items(ctx context.Context) ([]Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Resource, 0, len(s.items))
	for _, r := range s.items {
		items = append(items, r)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].URL < items[j].URL
	})
	return items, nil
}

func (s *MemoryResourceStore) Create(ctx context.Context, r Resource) (Resource, error) {
	if s.ReadOnly {
		return Resource{}, ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string]Resource)
	}
	r.ID = slugid.Nice()
	s.items[r.ID] = r
	return r, nil
}

func (s *MemoryResourceStore) Delete(ctx context.Context, id string) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryResourceStore) Managed() bool {
	return !s.ReadOnly
}

// ResourceService serves the resource list as JSON at
// /api/<domain>/resources so that dashboards can discover the cards.
// Resource URLs carry backend tokens, so callers must present AccessToken
// as a bearer token.  With no AccessToken every request is refused.
type ResourceService struct {
	Domain      string
	Store       ResourceStore
	AccessToken string
}

func (rs *ResourceService) RegisterService(r *mux.Router) {
	r.HandleFunc("/api/"+rs.Domain+"/resources", rs.list).Methods("GET")
}

func (rs *ResourceService) list(w http.ResponseWriter, r *http.Request) {
	if !rs.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="scrypted-gateway"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	items, err := rs.Store.Items(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(items)
}

func (rs *ResourceService) authorized(r *http.Request) bool {
	if rs.AccessToken == "" {
		return false
	}
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(rs.AccessToken)) == 1
}
