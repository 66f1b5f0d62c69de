package entries

import (
	"maps"

	"github.com/scryptedgw/scryptedgw/login"
	"github.com/scryptedgw/scryptedgw/registry"
)

// Entry is one configured Scrypted server.
type Entry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Icon     string `yaml:"icon"`
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Data holds flags stored with the entry by older versions.  Option
	// keys found here are moved to Options by EnsureOptions.
	Data map[string]bool `yaml:"data,omitempty"`

	// Options holds user-adjustable flags.
	Options map[string]bool `yaml:"options,omitempty"`
}

var optionDefaults = map[string]bool{
	registry.OptionAutoRegisterResources: false,
	registry.OptionNVR:                   false,
}

// EnsureOptions moves option keys from e.Data into e.Options and fills in
// defaults for missing options.  An option already present in e.Options
// takes precedence over the stale copy in e.Data.  It reports whether e was
// changed.
func EnsureOptions(e *Entry) bool {
	changed := false
	if e.Options == nil {
		e.Options = make(map[string]bool, len(optionDefaults))
	}
	for key, def := range optionDefaults {
		if v, ok := e.Data[key]; ok {
			if _, exists := e.Options[key]; !exists {
				e.Options[key] = v
			}
			delete(e.Data, key)
			changed = true
		}
		if _, ok := e.Options[key]; !ok {
			e.Options[key] = def
			changed = true
		}
	}
	return changed
}

func (e *Entry) credentials() login.Credentials {
	return login.Credentials{
		Host:     e.Host,
		Username: e.Username,
		Password: e.Password,
	}
}

func (e *Entry) backend() registry.Backend {
	return registry.Backend{
		EntryID: e.ID,
		Host:    e.Host,
		Name:    e.Name,
		Icon:    e.Icon,
		Data:    maps.Clone(e.Data),
		Options: maps.Clone(e.Options),
	}
}

func (e *Entry) clone() Entry {
	c := *e
	c.Data = maps.Clone(e.Data)
	c.Options = maps.Clone(e.Options)
	return c
}
