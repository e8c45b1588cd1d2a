package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainp2p/p2p"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.P2P.ListenAddress != "0.0.0.0:7400" {
		t.Fatalf("unexpected listen address %q", cfg.P2P.ListenAddress)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.P2P.HandshakeTimeout != 10*time.Second {
		t.Fatalf("handshake timeout did not survive a round trip: %s", reloaded.P2P.HandshakeTimeout)
	}
	if reloaded.P2P.MaxFrameSize != p2p.DefaultMaxFrameSize {
		t.Fatalf("unexpected max frame size %d", reloaded.P2P.MaxFrameSize)
	}
}

func TestLoadParsesP2PSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `NetworkName = "testnet"
DataDir = "./data"
NodeKeyPath = "./data/node.key"

[p2p]
ListenAddress = "127.0.0.1:7000"
MaxPeers = 20
MaxInbound = 12
MaxOutbound = 8
MinOutbound = 4
HandshakeTimeout = "3s"
PingInterval = "15s"
ReadTimeout = "45s"
BanScore = 60.0
BanDuration = "2h"
SyncBatchSize = 64
Bootnodes = [" 10.0.0.1:7400 ", ""]
DNSSeeds = ["seed.testnet.example"]
DNSSeedPort = 7000
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NetworkName != "testnet" {
		t.Fatalf("unexpected network %q", cfg.NetworkName)
	}
	if len(cfg.P2P.Bootnodes) != 1 || cfg.P2P.Bootnodes[0] != "10.0.0.1:7400" {
		t.Fatalf("bootnodes not normalised: %v", cfg.P2P.Bootnodes)
	}

	net := cfg.NetworkConfig()
	if net.ListenAddress != "127.0.0.1:7000" || net.MaxPeers != 20 || net.MinOutbound != 4 {
		t.Fatalf("unexpected network config: %+v", net)
	}
	if net.HandshakeTimeout != 3*time.Second {
		t.Fatalf("unexpected handshake timeout %s", net.HandshakeTimeout)
	}
	if net.Conn.ReadTimeout != 45*time.Second {
		t.Fatalf("unexpected read timeout %s", net.Conn.ReadTimeout)
	}
	if net.Book.Reputation.BanScore != 60 || net.Book.Reputation.BanDuration != 2*time.Hour {
		t.Fatalf("unexpected reputation config: %+v", net.Book.Reputation)
	}
	if net.Sync.BatchSize != 64 {
		t.Fatalf("unexpected batch size %d", net.Sync.BatchSize)
	}
	// Unset fields keep the defaults.
	if net.Sync.MaxRetries != 3 {
		t.Fatalf("expected default retries, got %d", net.Sync.MaxRetries)
	}
	if len(net.DNSSeeds) != 1 {
		t.Fatalf("unexpected dns seeds: %v", net.DNSSeeds)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `networkName: yamlnet
dataDir: ./data
nodeKeyPath: ./data/node.key
p2p:
  listenAddress: 127.0.0.1:7100
  pingTimeout: 5s
  bootnodes:
    - 10.0.0.2:7400
mempool:
  capacity: 32
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NetworkName != "yamlnet" || cfg.P2P.ListenAddress != "127.0.0.1:7100" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.P2P.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout %s", cfg.P2P.PingTimeout)
	}
	if cfg.Mempool.Capacity != 32 {
		t.Fatalf("unexpected mempool capacity %d", cfg.Mempool.Capacity)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(tomlPath, []byte("DataDir = \"./data\"\nValidatorKey = \"abc\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(tomlPath); err == nil || !strings.Contains(err.Error(), "ValidatorKey") {
		t.Fatalf("expected unknown field error, got %v", err)
	}

	yamlPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(yamlPath, []byte("dataDir: ./data\nbogus: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(yamlPath); err == nil {
		t.Fatalf("expected unknown yaml field to be rejected")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing data dir":       func(c *Config) { c.DataDir = "" },
		"missing key":            func(c *Config) { c.NodeKeyPath = "" },
		"keystore without env":   func(c *Config) { c.NodeKeystorePath = "node.keystore" },
		"bad listen address":     func(c *Config) { c.P2P.ListenAddress = "7400" },
		"inbound above max":      func(c *Config) { c.P2P.MaxInbound = 100 },
		"min above max outbound": func(c *Config) { c.P2P.MinOutbound = 11 },
		"read timeout too short": func(c *Config) { c.P2P.ReadTimeout = c.P2P.PingInterval },
		"tiny frames":            func(c *Config) { c.P2P.MaxFrameSize = 16 },
		"bad bootnode":           func(c *Config) { c.P2P.Bootnodes = []string{"seed"} },
		"unknown peerstore":      func(c *Config) { c.PeerstoreBackend = "badger" },
		"seeds without port": func(c *Config) {
			c.P2P.DNSSeeds = []string{"seed.example"}
			c.P2P.DNSSeedPort = 0
		},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestPeerstoreBackend(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "data"
	if got := cfg.PeerstorePath(); got != filepath.Join("data", "peers") {
		t.Fatalf("unexpected leveldb peerstore path %s", got)
	}

	cfg.PeerstoreBackend = " Bolt "
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bolt backend rejected: %v", err)
	}
	if got := cfg.PeerstorePath(); got != filepath.Join("data", "peers.db") {
		t.Fatalf("unexpected bolt peerstore path %s", got)
	}

	cfg.PeerstoreBackend = ""
	cfg.normalize()
	if cfg.PeerstoreBackend != PeerstoreLevelDB {
		t.Fatalf("expected leveldb default, got %q", cfg.PeerstoreBackend)
	}
}
