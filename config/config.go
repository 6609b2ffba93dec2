package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowd/crypto"
)

// Config captures runtime configuration for the escrow registry service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`
	Env           string `toml:"Env"`

	// OwnerAddress is the bech32 identity allowed to pause and unpause the
	// registry. Empty disables the pause overlay.
	OwnerAddress string `toml:"OwnerAddress"`

	// StartPaused persists a pause before the first call is served. Useful
	// when the registry must come up halted after an incident.
	StartPaused bool `toml:"StartPaused"`

	// AuthSecret is the HS256 secret validating bearer tokens on mutating
	// RPC methods. Empty disables RPC authentication (dev mode only).
	AuthSecret string `toml:"AuthSecret"`
	AuthIssuer string `toml:"AuthIssuer"`
}

// Load loads the configuration from the given path, writing a default file on
// first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field contents without touching the filesystem.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress is required")
	}
	if strings.TrimSpace(c.OwnerAddress) != "" {
		if _, err := c.Owner(); err != nil {
			return fmt.Errorf("OwnerAddress: %w", err)
		}
	}
	return nil
}

// Owner parses the configured owner address, returning the zero address when
// the overlay is disabled.
func (c *Config) Owner() ([20]byte, error) {
	var owner [20]byte
	trimmed := strings.TrimSpace(c.OwnerAddress)
	if trimmed == "" {
		return owner, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return owner, err
	}
	if addr.Prefix() != crypto.EscrowPrefix {
		return owner, fmt.Errorf("prefix must be %q, got %q", crypto.EscrowPrefix, addr.Prefix())
	}
	copy(owner[:], addr.Bytes())
	return owner, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrow-local"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
