// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the configuration of one bey node.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Root is the base directory for node state. It is available as
	// ${BEY_ROOT} in path fields.
	Root string `yaml:"root"`

	Node     NodeConfig        `yaml:"node"`
	Identity IdentityConfig    `yaml:"identity"`
	Peers    map[string]string `yaml:"peers"`

	// Transport holds engine and pool tunables. Zero fields keep the
	// engine's defaults.
	Transport TransportConfig `yaml:"transport"`

	// Per-environment transport overrides, applied after the base
	// file when Environment matches.
	Development *TransportConfig `yaml:"development,omitempty"`
	Staging     *TransportConfig `yaml:"staging,omitempty"`
	Production  *TransportConfig `yaml:"production,omitempty"`
}

// NodeConfig names the node and where it listens.
type NodeConfig struct {
	// ID is the node id. It must match the common name of the node
	// certificate.
	ID string `yaml:"id"`

	// Listen is the TCP address accepting peer connections.
	Listen string `yaml:"listen"`

	// Advertise is the address peers should dial back, sent in the
	// hello. Defaults to the bound listen address.
	Advertise string `yaml:"advertise"`
}

// IdentityConfig locates the node's certificate material.
type IdentityConfig struct {
	// Certificate is the PEM node certificate chain.
	Certificate string `yaml:"certificate"`

	// Key is the PEM private key, or an age-sealed PEM key when the
	// file ends in ".age".
	Key string `yaml:"key"`

	// AgeIdentity is the age identity file that opens a sealed Key.
	AgeIdentity string `yaml:"age_identity"`

	// CA is the PEM bundle of trusted certificate authorities.
	CA string `yaml:"ca"`

	// CAWhitelist lists hex SHA-256 fingerprints of the authorities
	// whose peers are accepted. Empty accepts any CA in the bundle.
	CAWhitelist []string `yaml:"ca_whitelist"`
}

// Sealed reports whether the private key is age-encrypted.
func (c IdentityConfig) Sealed() bool {
	return strings.HasSuffix(c.Key, ".age")
}

// TransportConfig mirrors the engine configuration surface.
type TransportConfig struct {
	MaxConnections        int           `yaml:"max_connections"`
	MaxConnectionsPerPeer int           `yaml:"max_connections_per_peer"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses       int           `yaml:"heartbeat_misses"`
	LoadBalanceStrategy   string        `yaml:"load_balance_strategy"`

	// ReconnectAttempts and MaxRetries are nil when unset, so an
	// explicit zero can turn reconnects or retransmits off.
	ReconnectAttempts *int `yaml:"reconnect_attempts"`
	MaxRetries        *int `yaml:"max_retries"`

	InitialWindow int64 `yaml:"initial_window"`
	MaxWindow     int64 `yaml:"max_window"`
	MinWindow     int64 `yaml:"min_window"`

	StreamChunkSize   int           `yaml:"stream_chunk_size"`
	StreamCompression string        `yaml:"stream_compression"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`

	AckTimeout time.Duration `yaml:"ack_timeout"`

	// MaxSendRate caps outbound bytes per second; zero is unlimited.
	MaxSendRate    float64 `yaml:"max_send_rate"`
	HandlerWorkers int     `yaml:"handler_workers"`
}

// Default returns the base configuration the file is merged into.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "bey")

	return &Config{
		Environment: Development,
		Root:        root,
		Node: NodeConfig{
			Listen: "0.0.0.0:7400",
		},
		Identity: IdentityConfig{
			Certificate: "${BEY_ROOT}/node.crt",
			Key:         "${BEY_ROOT}/node.key",
			CA:          "${BEY_ROOT}/ca.crt",
		},
	}
}

// Load loads configuration from the BEY_CONFIG environment variable.
// There is no fallback: an unset BEY_CONFIG is an error.
func Load() (*Config, error) {
	configPath := os.Getenv("BEY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BEY_CONFIG environment variable not set; " +
			"set it to the path of your bey.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. Files ending in .json or
// .jsonc may carry comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Plain JSON is YAML, so both paths share one decoder.
		data = jsonc.ToJSON(data)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *TransportConfig
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides != nil {
		c.Transport.overlay(*overrides)
	}
}

// overlay copies every non-zero or non-nil field of o.
func (t *TransportConfig) overlay(o TransportConfig) {
	if o.MaxConnections != 0 {
		t.MaxConnections = o.MaxConnections
	}
	if o.MaxConnectionsPerPeer != 0 {
		t.MaxConnectionsPerPeer = o.MaxConnectionsPerPeer
	}
	if o.IdleTimeout != 0 {
		t.IdleTimeout = o.IdleTimeout
	}
	if o.ConnectTimeout != 0 {
		t.ConnectTimeout = o.ConnectTimeout
	}
	if o.HeartbeatInterval != 0 {
		t.HeartbeatInterval = o.HeartbeatInterval
	}
	if o.HeartbeatMisses != 0 {
		t.HeartbeatMisses = o.HeartbeatMisses
	}
	if o.ReconnectAttempts != nil {
		t.ReconnectAttempts = o.ReconnectAttempts
	}
	if o.LoadBalanceStrategy != "" {
		t.LoadBalanceStrategy = o.LoadBalanceStrategy
	}
	if o.InitialWindow != 0 {
		t.InitialWindow = o.InitialWindow
	}
	if o.MaxWindow != 0 {
		t.MaxWindow = o.MaxWindow
	}
	if o.MinWindow != 0 {
		t.MinWindow = o.MinWindow
	}
	if o.StreamChunkSize != 0 {
		t.StreamChunkSize = o.StreamChunkSize
	}
	if o.StreamCompression != "" {
		t.StreamCompression = o.StreamCompression
	}
	if o.ReassemblyTimeout != 0 {
		t.ReassemblyTimeout = o.ReassemblyTimeout
	}
	if o.AckTimeout != 0 {
		t.AckTimeout = o.AckTimeout
	}
	if o.MaxRetries != nil {
		t.MaxRetries = o.MaxRetries
	}
	if o.MaxSendRate != 0 {
		t.MaxSendRate = o.MaxSendRate
	}
	if o.HandlerWorkers != 0 {
		t.HandlerWorkers = o.HandlerWorkers
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BEY_ROOT": c.Root,
		"HOME":     os.Getenv("HOME"),
	}
	c.Root = expandVars(c.Root, vars)
	vars["BEY_ROOT"] = c.Root

	c.Identity.Certificate = expandVars(c.Identity.Certificate, vars)
	c.Identity.Key = expandVars(c.Identity.Key, vars)
	c.Identity.AgeIdentity = expandVars(c.Identity.AgeIdentity, vars)
	c.Identity.CA = expandVars(c.Identity.CA, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Transport tunables
// are range-checked by the engine when it starts.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if _, _, err := net.SplitHostPort(c.Node.Listen); err != nil {
		errs = append(errs, fmt.Errorf("node.listen: %w", err))
	}
	if c.Identity.Certificate == "" {
		errs = append(errs, errors.New("identity.certificate is required"))
	}
	if c.Identity.Key == "" {
		errs = append(errs, errors.New("identity.key is required"))
	}
	if c.Identity.CA == "" {
		errs = append(errs, errors.New("identity.ca is required"))
	}
	if c.Identity.Sealed() && c.Identity.AgeIdentity == "" {
		errs = append(errs, errors.New("identity.age_identity is required for a sealed key"))
	}
	for _, fingerprint := range c.Identity.CAWhitelist {
		if len(fingerprint) != 64 || strings.Trim(strings.ToLower(fingerprint), "0123456789abcdef") != "" {
			errs = append(errs, fmt.Errorf("identity.ca_whitelist: %q is not a hex SHA-256 fingerprint", fingerprint))
		}
	}
	if c.Environment == Production {
		if len(c.Identity.CAWhitelist) == 0 {
			errs = append(errs, errors.New("identity.ca_whitelist is required in production"))
		}
		if !c.Identity.Sealed() {
			errs = append(errs, errors.New("identity.key must be age-sealed in production"))
		}
	}
	for peerID, address := range c.Peers {
		if _, _, err := net.SplitHostPort(address); err != nil {
			errs = append(errs, fmt.Errorf("peers.%s: %w", peerID, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureRoot creates the root directory if it does not exist.
func (c *Config) EnsureRoot() error {
	if err := os.MkdirAll(c.Root, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Root, err)
	}
	return nil
}
