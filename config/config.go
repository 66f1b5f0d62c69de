// Package config loads the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/scryptedgw/scryptedgw/entries"
	"github.com/scryptedgw/scryptedgw/internal/httputil"
	"github.com/scryptedgw/scryptedgw/registry"
)

// Config defines the configuration for scrypted-gateway.  See the usage
// string for field descriptions.
type Config struct {
	Listen    string          `yaml:"listen"`
	TLS       TLSConfig       `yaml:"tls"`
	Domain    string          `yaml:"domain"`
	AssetDir  string          `yaml:"assetDir"`
	Backend   BackendConfig   `yaml:"backend"`
	Login     LoginConfig     `yaml:"login"`
	LogLevel  string          `yaml:"logLevel"`
	Metrics   bool            `yaml:"metrics"`
	Resources ResourcesConfig `yaml:"resources"`
	Entries   []entries.Entry `yaml:"entries"`
}

// TLSConfig names the certificate served to viewers.  Both or neither
// must be set.
type TLSConfig struct {
	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`
}

// Enabled reports whether the gateway serves TLS.
func (t TLSConfig) Enabled() bool {
	return t.Certificate != "" || t.Key != ""
}

type BackendConfig struct {
	VerifyTLS             bool     `yaml:"verifyTLS"`
	DialTimeout           Duration `yaml:"dialTimeout"`
	ResponseHeaderTimeout Duration `yaml:"responseHeaderTimeout"`
}

// Options returns the connection options for backends.
func (bc BackendConfig) Options() httputil.BackendOptions {
	return httputil.BackendOptions{
		VerifyTLS:             bc.VerifyTLS,
		DialTimeout:           time.Duration(bc.DialTimeout),
		ResponseHeaderTimeout: time.Duration(bc.ResponseHeaderTimeout),
	}
}

type LoginConfig struct {
	// MaxElapsedTime bounds the retries of a single login.
	MaxElapsedTime Duration `yaml:"maxElapsedTime"`
}

type ResourcesConfig struct {
	// Discovery serves the card resource list at /api/<domain>/resources.
	Discovery bool `yaml:"discovery"`
	// AccessToken is the bearer token required to read the resource list.
	AccessToken string `yaml:"accessToken"`
	// ReadOnly stops the gateway from registering resources itself.
	ReadOnly bool `yaml:"readOnly"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %v", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used for settings absent from the file.
func Default() *Config {
	return &Config{
		Listen:   ":8123",
		Domain:   "scrypted",
		AssetDir: "www",
		Backend: BackendConfig{
			DialTimeout:           Duration(10 * time.Second),
			ResponseHeaderTimeout: Duration(30 * time.Second),
		},
		Login: LoginConfig{
			MaxElapsedTime: Duration(30 * time.Second),
		},
		LogLevel: "info",
		Metrics:  true,
	}
}

// Load a configuration file.  A leading ~ in its name, and in the file
// names it contains, refers to the home directory.
func Load(filename string) (*Config, error) {
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	// set nonzero defaults
	c := Default()

	err = yaml.Unmarshal(data, c)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", filename)
	}
	for _, path := range []*string{&c.AssetDir, &c.TLS.Certificate, &c.TLS.Key} {
		if *path, err = homedir.Expand(*path); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", filename)
		}
	}
	return c, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Domain == "" || strings.Contains(c.Domain, "/") {
		return fmt.Errorf("domain must be a single non-empty path segment, got %q", c.Domain)
	}
	if c.TLS.Enabled() && (c.TLS.Certificate == "" || c.TLS.Key == "") {
		return fmt.Errorf("tls requires both certificate and key")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	if c.Backend.DialTimeout < 0 || c.Backend.ResponseHeaderTimeout < 0 || c.Login.MaxElapsedTime < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	if c.Resources.Discovery && c.Resources.AccessToken == "" {
		return fmt.Errorf("resources.discovery requires resources.accessToken")
	}

	seen := make(map[string]bool, len(c.Entries))
	for i, e := range c.Entries {
		if e.ID == "" {
			return fmt.Errorf("entries[%d]: id is required", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("entries[%d]: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		// an entry without host is kept; setting it up asks for re-authentication
		if e.Host != "" {
			if _, err := registry.Authority(e.Host); err != nil {
				return errors.Wrapf(err, "entries[%d]", i)
			}
		}
	}
	return nil
}
