// Package config loads loxconnectd's on-disk configuration: a yaml-tagged
// struct, an embedded example file providing defaults, and a Validate
// method.
//
// go.mau.fi/util/configupgrade handles versioned config migration
// elsewhere, but that machinery is normally wired entirely through a
// bridge's own config pipeline (a root object's GetConfig/migrate hooks),
// which has no equivalent here — nothing in this module exercises a
// versioned config upgrader. Rather than guess at calling configupgrade
// standalone, Load uses gopkg.in/yaml.v3 directly over the same
// yaml-tagged struct shape, with go.mau.fi/util/exerrors covering the one
// spot where that pattern is directly groundable: decoding a build-time
// embedded artifact that cannot legitimately fail at runtime. See
// DESIGN.md.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/exerrors"
	"gopkg.in/yaml.v3"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/fetch"
)

//go:embed example-config.yaml
var ExampleConfig string

// LoggingConfig controls the zerolog setup (its ambient logging stack).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// EndpointConfig names the base URL for a FetchChannel-backed client, the
// API credential it authenticates with, and the domain-front parameters
// FetchChannel falls back to before the anonymizing transport is
// bootstrapped.
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// FrontDomain and RealHost configure domain fronting: FrontDomain is
	// dialed and presented as the TLS SNI, RealHost is sent as the HTTP
	// Host header. Both empty disables the fronted path (FetchChannel
	// then fails pre-bootstrap requests rather than guess at a front).
	FrontDomain string `yaml:"front_domain"`
	RealHost    string `yaml:"real_host"`
}

// frontRoundTripper builds a fetch.FrontRoundTripper from e, or nil if no
// front is configured.
func (e EndpointConfig) frontRoundTripper() fetch.FrontRoundTripper {
	if e.FrontDomain == "" {
		return nil
	}
	return fetch.NewDomainFrontRoundTripper(fetch.DomainFrontConfig{
		FrontDomain: e.FrontDomain,
		RealHost:    e.RealHost,
	})
}

// ConnectConfig configures ConnectOrchestrator/AutoBootstrapAttempt.
type ConnectConfig struct {
	BuiltinTransports []string `yaml:"builtin_transports"`
	// QuickstartEnabled is decoded but not read by cmd/loxconnectd:
	// ConnectOrchestrator takes its quick-start flag from the SettingsStore
	// key connect.quickstart_enabled.
	QuickstartEnabled bool `yaml:"quickstart_enabled"`
}

// Config is loxconnectd's top-level on-disk configuration.
type Config struct {
	DatabasePath string         `yaml:"database_path"`
	Logging      LoggingConfig  `yaml:"logging"`
	LoxAuthority EndpointConfig `yaml:"lox_authority"`
	Moat         EndpointConfig `yaml:"moat"`
	Connect      ConnectConfig  `yaml:"connect"`

	// RefreshInterval overrides loxclient's background pubkey/level-up/
	// blockage refresh period. Zero means
	// loxclient.DefaultBackgroundRefreshInterval.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LoxAuthorityFront builds the FrontRoundTripper for the LoxAuthority
// endpoint, or nil if none is configured.
func (c *Config) LoxAuthorityFront() fetch.FrontRoundTripper {
	return c.LoxAuthority.frontRoundTripper()
}

// MoatFront builds the FrontRoundTripper for the Moat endpoint, or nil if
// none is configured.
func (c *Config) MoatFront() fetch.FrontRoundTripper {
	return c.Moat.frontRoundTripper()
}

// Load reads and validates the config file at path, starting from the
// embedded example's defaults so a partial user file still produces a
// complete Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	// The embedded example is a build-time artifact, not user input: if it
	// fails to parse the binary itself is broken, so this panics instead of
	// threading a user-facing error for it.
	exerrors.PanicIfNotNil(yaml.Unmarshal([]byte(ExampleConfig), cfg))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a Config missing any field the rest of the daemon
// requires to start.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.LoxAuthority.BaseURL == "" {
		return fmt.Errorf("lox_authority.base_url is required")
	}
	if c.Moat.BaseURL == "" {
		return fmt.Errorf("moat.base_url is required")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace/debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}
