// Package config resolves the harness configuration: the hub connection string and service
// tier from the environment, and optional overrides from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iothub-harness/connection-tests/httpproxy"
	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/iothub"
)

const (
	EnvConnectionString = "IOTHUB_CONNECTION_STRING"
	EnvBasicTierHub     = "IS_BASIC_TIER_HUB"
)

const (
	DefaultProxyUsername   = "proxyUsername"
	DefaultProxyPassword   = "1234"
	DefaultAuthProxyPort   = 8899
	DefaultOpenProxyPort   = 9000
	DefaultOpenTimeout     = time.Minute
	DefaultTestTimeout     = 3 * time.Minute
	DefaultDisposalTimeout = 2 * time.Minute
	DefaultMultiplexCount  = 3
	DefaultWorkers         = 4
)

// Config is built once before any test runs and shared read-only afterwards.
type Config struct {
	AuthenticatedProxy httpproxy.Config     `yaml:"authenticatedProxy"`
	OpenProxy          httpproxy.Config     `yaml:"openProxy"`
	OpenTimeout        time.Duration        `yaml:"openTimeout"`
	TestTimeout        time.Duration        `yaml:"testTimeout"`
	DisposalTimeout    time.Duration        `yaml:"disposalTimeout"`
	Retry              identity.RetryPolicy `yaml:"retry"`
	MultiplexCount     int                  `yaml:"multiplexCount"`
	Workers            int                  `yaml:"parallel"`

	// BasicTierHub is true when the hub lacks standard-tier features.
	BasicTierHub bool `yaml:"-"`

	hub iothub.HubConnectionString
}

func Default() Config {
	return Config{
		AuthenticatedProxy: httpproxy.Config{
			Host:        "127.0.0.1",
			Port:        DefaultAuthProxyPort,
			RequireAuth: true,
			Username:    DefaultProxyUsername,
			Password:    DefaultProxyPassword,
		},
		OpenProxy: httpproxy.Config{
			Host: "127.0.0.1",
			Port: DefaultOpenProxyPort,
		},
		OpenTimeout:     DefaultOpenTimeout,
		TestTimeout:     DefaultTestTimeout,
		DisposalTimeout: DefaultDisposalTimeout,
		Retry:           identity.DefaultRetryPolicy(),
		MultiplexCount:  DefaultMultiplexCount,
		Workers:         DefaultWorkers,
	}
}

// Hub returns the parsed hub connection string.
func (c *Config) Hub() iothub.HubConnectionString {
	return c.hub
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// Load builds the configuration. Each setting is read from the environment first and falls back
// to props when the variable is unset or empty. If file is non-empty it is read as YAML over the
// defaults; unknown keys are an error.
func Load(props Properties, lookupEnv LookupFunc, file string) (*Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	cfg := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading configuration file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("configuration file %s: %w", file, err)
		}
	}

	resolve := func(name string) string {
		if v, ok := lookupEnv(name); ok && v != "" {
			return v
		}
		return props[name]
	}

	connectionString := resolve(EnvConnectionString)
	if connectionString == "" {
		return nil, fmt.Errorf("%s must be set in the environment or with -D %s=...", EnvConnectionString, EnvConnectionString)
	}
	hub, err := iothub.ParseHubConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvConnectionString, err)
	}
	cfg.hub = hub
	cfg.BasicTierHub = strings.EqualFold(strings.TrimSpace(resolve(EnvBasicTierHub)), "true")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.OpenTimeout <= 0:
		return errors.New("openTimeout must be positive")
	case c.MultiplexCount < 1:
		return errors.New("multiplexCount must be at least 1")
	case c.AuthenticatedProxy.Username == "":
		return errors.New("authenticatedProxy needs a username")
	case c.AuthenticatedProxy.Addr() == c.OpenProxy.Addr():
		return fmt.Errorf("both proxies are configured on %s", c.OpenProxy.Addr())
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.TestTimeout < c.OpenTimeout {
		c.TestTimeout = c.OpenTimeout
	}
	if c.DisposalTimeout <= 0 {
		c.DisposalTimeout = DefaultDisposalTimeout
	}
	c.AuthenticatedProxy.RequireAuth = true
	c.OpenProxy.RequireAuth = false
	return nil
}

// Properties holds NAME=VALUE pairs given with -D. It implements flag.Value.
type Properties map[string]string

func (p Properties) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, " ")
}

func (p Properties) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("property %q is not in the form NAME=VALUE", s)
	}
	p[name] = value
	return nil
}
