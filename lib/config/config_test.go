// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fingerprint = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Node.ID = "alpha"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Node.Listen != "0.0.0.0:7400" {
		t.Errorf("expected listen=0.0.0.0:7400, got %s", cfg.Node.Listen)
	}
	if cfg.Transport != (TransportConfig{}) {
		t.Errorf("expected zero transport overrides, got %+v", cfg.Transport)
	}
}

func TestLoad_RequiresBeyConfig(t *testing.T) {
	t.Setenv("BEY_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when BEY_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "BEY_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithBeyConfig(t *testing.T) {
	path := writeConfig(t, "bey.yaml", `
environment: staging
root: /test/root
node:
  id: alpha
`)
	t.Setenv("BEY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Identity.Certificate != "/test/root/node.crt" {
		t.Errorf("expected certificate under the root, got %s", cfg.Identity.Certificate)
	}
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeConfig(t, "bey.yaml", `
root: /srv/bey
node:
  id: alpha
  listen: 127.0.0.1:7401
  advertise: alpha.lan:7401
identity:
  key: ${BEY_ROOT}/keys/node.key.age
  age_identity: ${BEY_ROOT}/keys/age.txt
  ca_whitelist: [`+fingerprint+`]
peers:
  beta: 10.0.0.2:7400
transport:
  ack_timeout: 2s
  max_retries: 5
  stream_chunk_size: 32768
  stream_compression: zstd
  load_balance_strategy: round-robin
  max_send_rate: 1e6
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Node.Advertise != "alpha.lan:7401" {
		t.Errorf("expected advertise=alpha.lan:7401, got %s", cfg.Node.Advertise)
	}
	if cfg.Identity.Key != "/srv/bey/keys/node.key.age" || !cfg.Identity.Sealed() {
		t.Errorf("expected a sealed key under the root, got %s", cfg.Identity.Key)
	}
	if cfg.Peers["beta"] != "10.0.0.2:7400" {
		t.Errorf("expected peer beta, got %v", cfg.Peers)
	}
	if cfg.Transport.MaxRetries == nil || *cfg.Transport.MaxRetries != 5 {
		t.Errorf("expected max_retries=5, got %v", cfg.Transport.MaxRetries)
	}
	cfg.Transport.MaxRetries = nil
	want := TransportConfig{
		AckTimeout:          2 * time.Second,
		StreamChunkSize:     32768,
		StreamCompression:   "zstd",
		LoadBalanceStrategy: "round-robin",
		MaxSendRate:         1e6,
	}
	if cfg.Transport != want {
		t.Errorf("transport = %+v, want %+v", cfg.Transport, want)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	path := writeConfig(t, "bey.jsonc", `{
  // Laptop on the office LAN.
  "node": {"id": "laptop", "listen": "0.0.0.0:7400"},
  "transport": {
    "heartbeat_interval": "10s",
    "reconnect_attempts": 1, /* flaky wifi */
  },
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Node.ID != "laptop" {
		t.Errorf("expected id=laptop, got %s", cfg.Node.ID)
	}
	if cfg.Transport.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected heartbeat_interval=10s, got %v", cfg.Transport.HeartbeatInterval)
	}
	if cfg.Transport.ReconnectAttempts == nil || *cfg.Transport.ReconnectAttempts != 1 {
		t.Errorf("expected reconnect_attempts=1, got %v", cfg.Transport.ReconnectAttempts)
	}
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "bey.yaml", `
transport:
  ack_timeot: 2s
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected an error for a misspelled key")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "bey.yaml", `
environment: production
transport:
  ack_timeout: 5s
  max_retries: 3
staging:
  max_retries: 10
production:
  ack_timeout: 1s
  max_connections: 200
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Transport.AckTimeout != time.Second {
		t.Errorf("expected ack_timeout=1s from production override, got %v", cfg.Transport.AckTimeout)
	}
	if cfg.Transport.MaxConnections != 200 {
		t.Errorf("expected max_connections=200, got %d", cfg.Transport.MaxConnections)
	}
	if cfg.Transport.MaxRetries == nil || *cfg.Transport.MaxRetries != 3 {
		t.Errorf("expected base max_retries=3 (staging section ignored), got %v", cfg.Transport.MaxRetries)
	}
}

func TestLoadFile_ExplicitZeroRetries(t *testing.T) {
	path := writeConfig(t, "bey.yaml", `
environment: production
transport:
  max_retries: 4
  reconnect_attempts: 2
production:
  max_retries: 0
  reconnect_attempts: 0
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Transport.MaxRetries == nil || *cfg.Transport.MaxRetries != 0 {
		t.Errorf("expected max_retries=0 from production override, got %v", cfg.Transport.MaxRetries)
	}
	if cfg.Transport.ReconnectAttempts == nil || *cfg.Transport.ReconnectAttempts != 0 {
		t.Errorf("expected reconnect_attempts=0 from production override, got %v", cfg.Transport.ReconnectAttempts)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Only ${VAR} references in path fields read the environment.
	t.Setenv("BEY_ROOT", "/env/root")
	t.Setenv("BEY_ENVIRONMENT", "staging")

	path := writeConfig(t, "bey.yaml", `
environment: development
root: /file/root
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Environment != Development {
		t.Errorf("expected environment=development from file, got %s", cfg.Environment)
	}
	if cfg.Root != "/file/root" || cfg.Identity.CA != "/file/root/ca.crt" {
		t.Errorf("expected paths under /file/root, got root=%s ca=%s", cfg.Root, cfg.Identity.CA)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/bey",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/bey",
		},
		{
			input:    "${MISSING_BEY_VARIABLE:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid environment",
			modify:  func(c *Config) { c.Environment = "invalid" },
			wantErr: "invalid environment",
		},
		{
			name:    "missing node id",
			modify:  func(c *Config) { c.Node.ID = "" },
			wantErr: "node.id",
		},
		{
			name:    "listen without port",
			modify:  func(c *Config) { c.Node.Listen = "localhost" },
			wantErr: "node.listen",
		},
		{
			name:    "sealed key without age identity",
			modify:  func(c *Config) { c.Identity.Key = "/keys/node.key.age" },
			wantErr: "identity.age_identity",
		},
		{
			name:    "malformed fingerprint",
			modify:  func(c *Config) { c.Identity.CAWhitelist = []string{"abc"} },
			wantErr: "ca_whitelist",
		},
		{
			name:    "peer address without port",
			modify:  func(c *Config) { c.Peers = map[string]string{"beta": "10.0.0.2"} },
			wantErr: "peers.beta",
		},
		{
			name:    "production without whitelist",
			modify:  func(c *Config) { c.Environment = Production },
			wantErr: "ca_whitelist is required",
		},
		{
			name: "production with whitelist and sealed key",
			modify: func(c *Config) {
				c.Environment = Production
				c.Identity.CAWhitelist = []string{strings.ToUpper(fingerprint)}
				c.Identity.Key = "/keys/node.key.age"
				c.Identity.AgeIdentity = "/keys/age.txt"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want an error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnsureRoot(t *testing.T) {
	cfg := Default()
	cfg.Root = filepath.Join(t.TempDir(), "bey", "state")

	if err := cfg.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot failed: %v", err)
	}
	info, err := os.Stat(cfg.Root)
	if err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}
