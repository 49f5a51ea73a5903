// Package config loads the TOML configuration for each of the three
// binaries. The fallback chain is explicit flag > file > environment
// variable > built-in default; the only environment variable consulted is
// VLAUDE_STORE_ROOT, used when the file leaves store_root empty.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// expandTilde resolves a leading "~" to the user's home directory.
func expandTilde(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}

// defaultStoreRoot resolves the session store root: env var override,
// then the conventional vendor directory.
func defaultStoreRoot() string {
	if envDir := os.Getenv("VLAUDE_STORE_ROOT"); envDir != "" {
		return expandTilde(envDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// CLIConfig is loaded by cmd/vlaude.
type CLIConfig struct {
	AssistantPath string   `toml:"assistant_path"`
	AssistantArgs []string `toml:"assistant_args"`
	ServerURL     string   `toml:"server_url"`
	AuthToken     string   `toml:"auth_token"`
	ProfileDir    string   `toml:"profile_dir"`
	StatusIntervalSeconds int `toml:"status_interval_seconds"`
}

func (c *CLIConfig) applyDefaults() {
	if c.AssistantPath == "" {
		c.AssistantPath = "claude"
	}
	if c.ServerURL == "" {
		c.ServerURL = "wss://127.0.0.1:8443/ws"
	}
	if c.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		c.ProfileDir = filepath.Join(home, ".vlaude")
	}
	if c.StatusIntervalSeconds <= 0 {
		c.StatusIntervalSeconds = 2
	}
}

// StatusInterval returns the configured status-file write interval.
func (c *CLIConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

// ServerConfig is loaded by cmd/vlaude-server. StoreRoot lets the Server's
// REST surface read transcripts directly when it shares a host with the
// Daemon; real-time watching stays with the Daemon either way.
type ServerConfig struct {
	ListenAddr        string   `toml:"listen_addr"`
	StoreRoot         string   `toml:"store_root"`
	TLSCertPath       string   `toml:"tls_cert_path"`
	TLSKeyPath        string   `toml:"tls_key_path"`
	ClientCABundle    string   `toml:"client_ca_bundle"`
	JWTPublicKeyPath  string   `toml:"jwt_public_key_path"`
	JWTPrivateKeyPath string   `toml:"jwt_private_key_path"`
	TokenTTLHours     int      `toml:"token_ttl_hours"`
	DaemonBaseURL     string   `toml:"daemon_base_url"`
	TrustedCIDRs      []string `toml:"trusted_cidrs"`
	ApprovalTimeoutSeconds int `toml:"approval_timeout_seconds"`
	AuthDBPath        string   `toml:"auth_db_path"`
	PushEnabled       bool     `toml:"push_enabled"`
	PushVAPIDSubject  string   `toml:"push_vapid_subject"`
	PushVAPIDPublicKey  string `toml:"push_vapid_public_key"`
	PushVAPIDPrivateKey string `toml:"push_vapid_private_key"`
	LogPath           string   `toml:"log_path"`
}

func (c *ServerConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8443"
	}
	if len(c.TrustedCIDRs) == 0 {
		c.TrustedCIDRs = []string{"127.0.0.1/32", "::1/128"}
	}
	if c.ApprovalTimeoutSeconds <= 0 {
		c.ApprovalTimeoutSeconds = 30
	}
	if c.AuthDBPath == "" {
		c.AuthDBPath = "vlaude-auth.db"
	}
	if c.PushVAPIDSubject == "" {
		c.PushVAPIDSubject = "mailto:vlaude@localhost"
	}
	if c.TokenTTLHours <= 0 {
		c.TokenTTLHours = 24 * 30
	}
	if c.DaemonBaseURL == "" {
		c.DaemonBaseURL = "http://127.0.0.1:8444"
	}
	if c.StoreRoot == "" {
		c.StoreRoot = defaultStoreRoot()
	}
}

// TokenTTL returns the lifetime applied to tokens minted by
// POST /auth/generate-token.
func (c *ServerConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// ApprovalTimeout returns the configured default approval deadline.
func (c *ServerConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// DaemonConfig is loaded by cmd/vlaude-daemon.
type DaemonConfig struct {
	StoreRoot       string   `toml:"store_root"`
	ServerBaseURL   string   `toml:"server_base_url"`
	ServerWSURL     string   `toml:"server_ws_url"`
	BearerToken     string   `toml:"bearer_token"`
	ListenAddr      string   `toml:"listen_addr"`
	TrustedCIDRs    []string `toml:"trusted_cidrs"`
	AssistantPath   string   `toml:"assistant_path"`
	LogPath         string   `toml:"log_path"`
}

func (c *DaemonConfig) applyDefaults() {
	if c.StoreRoot == "" {
		c.StoreRoot = defaultStoreRoot()
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8444"
	}
	if len(c.TrustedCIDRs) == 0 {
		c.TrustedCIDRs = []string{"127.0.0.1/32", "::1/128"}
	}
	if c.AssistantPath == "" {
		c.AssistantPath = "claude"
	}
	if c.ServerWSURL == "" {
		c.ServerWSURL = "ws://127.0.0.1:8443/ws"
	}
}

// LoadCLIConfig reads and decodes a CLIConfig, applying defaults for
// anything left unset. A missing path is not an error: the zero value with
// defaults applied is returned.
func LoadCLIConfig(path string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	if err := decodeIfPresent(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadServerConfig reads and decodes a ServerConfig.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := decodeIfPresent(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadDaemonConfig reads and decodes a DaemonConfig.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := &DaemonConfig{}
	if err := decodeIfPresent(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func decodeIfPresent(path string, dst any) error {
	if path == "" {
		return nil
	}
	path = expandTilde(path)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, dst); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}
