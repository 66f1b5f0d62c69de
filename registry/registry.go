package registry

import (
	"maps"
	"sort"
	"sync"
)

// Option keys understood by the gateway.  They may appear in an entry's data
// (legacy location) or in its options.
const (
	OptionNVR                   = "scrypted_nvr"
	OptionAutoRegisterResources = "auto_register_resources"
)

// Backend describes a registered Scrypted server.
type Backend struct {
	// EntryID identifies the configuration entry that registered this
	// backend.
	EntryID string
	// Host is host or host:port of the Scrypted server.
	Host string
	// Name and Icon are cosmetic.
	Name string
	Icon string
	// Data holds flags stored with the entry itself, Options those set
	// afterwards.  Data takes precedence when both carry a key.
	Data    map[string]bool
	Options map[string]bool
}

// Flag reports the value of a boolean setting, looking in Data first and
// falling back to Options.
func (b *Backend) Flag(key string) bool {
	if v, ok := b.Data[key]; ok {
		return v
	}
	return b.Options[key]
}

// NVREnabled reports whether the NVR variant of the entry page is selected.
func (b *Backend) NVREnabled() bool {
	return b.Flag(OptionNVR)
}

// Resolver is the read-only view of the registry used by the proxy.
type Resolver interface {
	// Resolve returns the backend registered under token, or false.
	Resolve(token string) (*Backend, bool)
}

// Registry is a concurrency-safe in-memory token registry.
type Registry struct {
	m        sync.RWMutex
	backends map[string]*Backend
	onChange []func(token string)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		backends: make(map[string]*Backend),
	}
}

// OnChange adds a function which is called, outside the registry lock,
// whenever a token is registered or removed.
func (r *Registry) OnChange(h func(token string)) {
	r.m.Lock()
	defer r.m.Unlock()
	r.onChange = append(r.onChange, h)
}

// Resolve implements Resolver.  The returned Backend is a copy and may be
// retained by the caller.
func (r *Registry) Resolve(token string) (*Backend, bool) {
	r.m.RLock()
	defer r.m.RUnlock()
	b, ok := r.backends[token]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// Register adds or replaces the backend for token.
func (r *Registry) Register(token string, b Backend) error {
	if token == "" {
		return ErrEmptyToken
	}
	r.m.Lock()
	r.backends[token] = b.clone()
	hooks := r.hooks()
	r.m.Unlock()

	for _, h := range hooks {
		h(token)
	}
	return nil
}

// Unregister is an idempotent operation which removes token from the
// registry.  It reports whether the token was present.
func (r *Registry) Unregister(token string) bool {
	r.m.Lock()
	_, ok := r.backends[token]
	delete(r.backends, token)
	hooks := r.hooks()
	r.m.Unlock()

	if ok {
		for _, h := range hooks {
			h(token)
		}
	}
	return ok
}

// TokenForEntry returns the token registered by the given entry.
func (r *Registry) TokenForEntry(entryID string) (string, bool) {
	r.m.RLock()
	defer r.m.RUnlock()
	for token, b := range r.backends {
		if b.EntryID == entryID {
			return token, true
		}
	}
	return "", false
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	r.m.RLock()
	defer r.m.RUnlock()
	return len(r.backends)
}

// Tokens returns the registered tokens in sorted order.
func (r *Registry) Tokens() []string {
	r.m.RLock()
	defer r.m.RUnlock()
	tokens := make([]string, 0, len(r.backends))
	for token := range r.backends {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

func (r *Registry) hooks() []func(string) {
	return append([]func(string){}, r.onChange...)
}

func (b *Backend) clone() *Backend {
	c := *b
	c.Data = maps.Clone(b.Data)
	c.Options = maps.Clone(b.Options)
	return &c
}
