// Package nodeconfig loads the peer node's TOML process configuration
// and optional YAML peer-book snapshot.
package nodeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kplusq/lisk-sdk/p2p"
)

// Config is the peer node's process configuration.
type Config struct {
	ListenAddress string   `toml:"ListenAddress"`
	DataDir       string   `toml:"DataDir"`
	NetworkName   string   `toml:"NetworkName"`
	Bootnodes     []string `toml:"Bootnodes"`

	ConnectTimeoutSeconds int `toml:"ConnectTimeoutSeconds"`
	AckTimeoutSeconds     int `toml:"AckTimeoutSeconds"`

	SendPeerLimit int `toml:"SendPeerLimit"`

	PeerBanTimeSeconds int `toml:"PeerBanTimeSeconds"`
	BanThreshold       int `toml:"BanThreshold"`

	MaxOutboundConnections          int `toml:"MaxOutboundConnections"`
	MaxInboundConnections           int `toml:"MaxInboundConnections"`
	OutboundEvictionIntervalSeconds int `toml:"OutboundEvictionIntervalSeconds"`

	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     float64 `toml:"RateLimitBurst"`

	PoolRateLimitPerSecond float64 `toml:"PoolRateLimitPerSecond"`
	PoolRateLimitBurst     int     `toml:"PoolRateLimitBurst"`

	BanStorePath       string `toml:"BanStorePath"`
	PeerBookPath       string `toml:"PeerBookPath"`
	SeedsRegistryPath  string `toml:"SeedsRegistryPath"`
	IdentityKeyPath    string `toml:"IdentityKeyPath"`

	LogFilePath string `toml:"LogFilePath"`

	OTELEndpoint string `toml:"OTELEndpoint"`
	OTELInsecure bool    `toml:"OTELInsecure"`
}

// Load reads the TOML configuration at path, creating a default file if
// none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("nodeconfig: decode %s: %w", path, err)
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "peernode-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:          ":26656",
		DataDir:                "./peernode-data",
		NetworkName:             "peernode-local",
		Bootnodes:               []string{},
		ConnectTimeoutSeconds:   2,
		AckTimeoutSeconds:       10,
		SendPeerLimit:           16,
		BanThreshold:            100,
		MaxOutboundConnections:  24,
		MaxInboundConnections:   64,
		BanStorePath:            "./peernode-data/bans.db",
		IdentityKeyPath:         "./peernode-data/identity.key",
		PoolRateLimitPerSecond:  2000,
		PoolRateLimitBurst:      4000,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// ToPoolConfig translates the process configuration into a p2p.Config.
// Selector functions are left nil; the pool fills in its defaults.
func (c *Config) ToPoolConfig() p2p.Config {
	return p2p.Config{
		ConnectTimeout:           time.Duration(c.ConnectTimeoutSeconds) * time.Second,
		AckTimeout:               time.Duration(c.AckTimeoutSeconds) * time.Second,
		SendPeerLimit:            c.SendPeerLimit,
		PeerBanTime:              time.Duration(c.PeerBanTimeSeconds) * time.Second,
		BanThreshold:             c.BanThreshold,
		MaxOutboundConnections:   c.MaxOutboundConnections,
		MaxInboundConnections:    c.MaxInboundConnections,
		OutboundEvictionInterval: time.Duration(c.OutboundEvictionIntervalSeconds) * time.Second,
		RateLimitPerSecond:       c.RateLimitPerSecond,
		RateLimitBurst:           c.RateLimitBurst,
		PoolRateLimitPerSecond:   c.PoolRateLimitPerSecond,
		PoolRateLimitBurst:       c.PoolRateLimitBurst,
	}
}

// PeerBookEntry is one snapshot row in the optional YAML peer book.
type PeerBookEntry struct {
	IPAddress string `yaml:"ipAddress"`
	WSPort    int    `yaml:"wsPort"`
}

// LoadPeerBook reads an optional YAML snapshot of previously known peers.
// A missing file is not an error: it returns an empty slice.
func LoadPeerBook(path string) ([]p2p.PeerInfo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("nodeconfig: read peer book %s: %w", path, err)
	}

	var entries []PeerBookEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse peer book %s: %w", path, err)
	}

	out := make([]p2p.PeerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, p2p.PeerInfo{IPAddress: e.IPAddress, WSPort: e.WSPort})
	}
	return out, nil
}

// SavePeerBook writes the current peer set to path as a YAML snapshot.
func SavePeerBook(path string, infos []p2p.PeerInfo) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	entries := make([]PeerBookEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, PeerBookEntry{IPAddress: info.IPAddress, WSPort: info.WSPort})
	}
	raw, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("nodeconfig: encode peer book: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, raw, 0o644)
}
