package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"chainp2p/p2p"
)

// Config is the node configuration file.
type Config struct {
	NetworkName    string `toml:"NetworkName" yaml:"networkName"`
	Environment    string `toml:"Environment" yaml:"environment"`
	DataDir        string `toml:"DataDir" yaml:"dataDir"`
	MetricsAddress string `toml:"MetricsAddress" yaml:"metricsAddress"`
	// LogFile enables a rotating log file next to stdout when set.
	LogFile  string `toml:"LogFile" yaml:"logFile"`
	LogLevel string `toml:"LogLevel" yaml:"logLevel"`

	// PeerstoreBackend selects where the Peer Book is kept: "leveldb" or "bolt".
	PeerstoreBackend string `toml:"PeerstoreBackend" yaml:"peerstoreBackend"`

	// NodeKeyPath holds a hex encoded node key. NodeKeystorePath takes
	// precedence and stores the key as an encrypted v3 keystore whose
	// passphrase is read from the NodeKeystorePassEnv environment variable.
	NodeKeyPath         string `toml:"NodeKeyPath" yaml:"nodeKeyPath"`
	NodeKeystorePath    string `toml:"NodeKeystorePath,omitempty" yaml:"nodeKeystorePath,omitempty"`
	NodeKeystorePassEnv string `toml:"NodeKeystorePassEnv,omitempty" yaml:"nodeKeystorePassEnv,omitempty"`

	P2P       P2P       `toml:"p2p" yaml:"p2p"`
	Consensus Consensus `toml:"consensus" yaml:"consensus"`
	Mempool   Mempool   `toml:"mempool" yaml:"mempool"`
	Telemetry Telemetry `toml:"telemetry" yaml:"telemetry"`
}

// P2P mirrors p2p.Config with file friendly names.
type P2P struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listenAddress"`
	MaxPeers      int    `toml:"MaxPeers" yaml:"maxPeers"`
	MaxInbound    int    `toml:"MaxInbound" yaml:"maxInbound"`
	MaxOutbound   int    `toml:"MaxOutbound" yaml:"maxOutbound"`
	MinOutbound   int    `toml:"MinOutbound" yaml:"minOutbound"`

	HandshakeTimeout    time.Duration `toml:"HandshakeTimeout" yaml:"handshakeTimeout"`
	ReadTimeout         time.Duration `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout        time.Duration `toml:"WriteTimeout" yaml:"writeTimeout"`
	PingInterval        time.Duration `toml:"PingInterval" yaml:"pingInterval"`
	PingTimeout         time.Duration `toml:"PingTimeout" yaml:"pingTimeout"`
	MaintenanceInterval time.Duration `toml:"MaintenanceInterval" yaml:"maintenanceInterval"`

	ProtocolVersion     uint32 `toml:"ProtocolVersion" yaml:"protocolVersion"`
	CompatibilityWindow uint32 `toml:"CompatibilityWindow" yaml:"compatibilityWindow"`
	MaxFrameSize        uint32 `toml:"MaxFrameSize" yaml:"maxFrameSize"`
	QueueSize           int    `toml:"QueueSize" yaml:"queueSize"`
	MaxPexAddresses     int    `toml:"MaxPexAddresses" yaml:"maxPexAddresses"`

	RateLimit   float64 `toml:"RateLimit" yaml:"rateLimit"`
	RateBurst   int     `toml:"RateBurst" yaml:"rateBurst"`
	AcceptRate  float64 `toml:"AcceptRate" yaml:"acceptRate"`
	AcceptBurst int     `toml:"AcceptBurst" yaml:"acceptBurst"`

	BanScore           float64       `toml:"BanScore" yaml:"banScore"`
	BanDuration        time.Duration `toml:"BanDuration" yaml:"banDuration"`
	ReputationHalfLife time.Duration `toml:"ReputationHalfLife" yaml:"reputationHalfLife"`
	PeerBookCapacity   int           `toml:"PeerBookCapacity" yaml:"peerBookCapacity"`

	SyncBatchSize      uint32        `toml:"SyncBatchSize" yaml:"syncBatchSize"`
	SyncInterval       time.Duration `toml:"SyncInterval" yaml:"syncInterval"`
	RequestTimeout     time.Duration `toml:"RequestTimeout" yaml:"requestTimeout"`
	MaxInFlightPerPeer int           `toml:"MaxInFlightPerPeer" yaml:"maxInFlightPerPeer"`
	MaxRetries         int           `toml:"MaxRetries" yaml:"maxRetries"`
	MaxForkDepth       uint32        `toml:"MaxForkDepth" yaml:"maxForkDepth"`

	SeenCapacity  int           `toml:"SeenCapacity" yaml:"seenCapacity"`
	SeenRetention time.Duration `toml:"SeenRetention" yaml:"seenRetention"`
	MempoolLimit  int           `toml:"MempoolLimit" yaml:"mempoolLimit"`

	Bootnodes   []string `toml:"Bootnodes" yaml:"bootnodes"`
	DNSSeeds    []string `toml:"DNSSeeds" yaml:"dnsSeeds"`
	DNSResolver string   `toml:"DNSResolver" yaml:"dnsResolver"`
	// DNSSeedPort is used for seed answers, which carry no port.
	DNSSeedPort uint16 `toml:"DNSSeedPort" yaml:"dnsSeedPort"`
}

// Consensus tunes the reference longest-chain engine.
type Consensus struct {
	MaxPayloadSize    int           `toml:"MaxPayloadSize" yaml:"maxPayloadSize"`
	MaxTxSize         int           `toml:"MaxTxSize" yaml:"maxTxSize"`
	MaxClockDrift     time.Duration `toml:"MaxClockDrift" yaml:"maxClockDrift"`
	RequireSignatures bool          `toml:"RequireSignatures" yaml:"requireSignatures"`
}

// Mempool bounds pending transactions.
type Mempool struct {
	Capacity int `toml:"Capacity" yaml:"capacity"`
}

// Telemetry configures OTLP export; an empty endpoint keeps the exporters off.
type Telemetry struct {
	Endpoint string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"Insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"Headers,omitempty" yaml:"headers,omitempty"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		NetworkName:    "chainp2p-local",
		Environment:    "dev",
		DataDir:        "./chainp2p-data",
		MetricsAddress: "127.0.0.1:9400",
		LogLevel:       "info",
		NodeKeyPath:    filepath.Join("chainp2p-data", "node.key"),

		PeerstoreBackend: PeerstoreLevelDB,
		P2P: P2P{
			ListenAddress:       "0.0.0.0:7400",
			MaxPeers:            50,
			MaxInbound:          40,
			MaxOutbound:         10,
			MinOutbound:         8,
			HandshakeTimeout:    10 * time.Second,
			ReadTimeout:         90 * time.Second,
			WriteTimeout:        10 * time.Second,
			PingInterval:        30 * time.Second,
			PingTimeout:         20 * time.Second,
			MaintenanceInterval: 5 * time.Second,
			ProtocolVersion:     1,
			MaxFrameSize:        p2p.DefaultMaxFrameSize,
			QueueSize:           256,
			MaxPexAddresses:     64,
			RateLimit:           200,
			RateBurst:           400,
			AcceptRate:          5,
			AcceptBurst:         10,
			BanScore:            100,
			BanDuration:         time.Hour,
			ReputationHalfLife:  30 * time.Minute,
			PeerBookCapacity:    2048,
			SyncBatchSize:       128,
			SyncInterval:        2 * time.Second,
			RequestTimeout:      15 * time.Second,
			MaxInFlightPerPeer:  2,
			MaxRetries:          3,
			MaxForkDepth:        256,
			SeenCapacity:        65536,
			SeenRetention:       10 * time.Minute,
			MempoolLimit:        1024,
			Bootnodes:           []string{},
			DNSSeeds:            []string{},
			DNSSeedPort:         7400,
		},
		Consensus: Consensus{
			MaxPayloadSize: 1 << 20,
			MaxTxSize:      64 << 10,
			MaxClockDrift:  15 * time.Second,
		},
		Mempool: Mempool{Capacity: 4096},
	}
}

// Load loads the configuration from the given path, writing the defaults
// there first when the file does not exist. Files ending in .yaml or .yml are
// read as YAML, everything else as TOML.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.NetworkName = strings.TrimSpace(cfg.NetworkName)
	if cfg.NetworkName == "" {
		cfg.NetworkName = Default().NetworkName
	}
	cfg.PeerstoreBackend = strings.ToLower(strings.TrimSpace(cfg.PeerstoreBackend))
	if cfg.PeerstoreBackend == "" {
		cfg.PeerstoreBackend = PeerstoreLevelDB
	}
	cfg.P2P.Bootnodes = trimAll(cfg.P2P.Bootnodes)
	cfg.P2P.DNSSeeds = trimAll(cfg.P2P.DNSSeeds)
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
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

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// NetworkConfig converts the file settings into the network layer's configuration.
func (cfg *Config) NetworkConfig() p2p.Config {
	c := cfg.P2P
	return p2p.Config{
		ListenAddress:       c.ListenAddress,
		MaxPeers:            c.MaxPeers,
		MaxInbound:          c.MaxInbound,
		MaxOutbound:         c.MaxOutbound,
		MinOutbound:         c.MinOutbound,
		HandshakeTimeout:    c.HandshakeTimeout,
		PingInterval:        c.PingInterval,
		PingTimeout:         c.PingTimeout,
		MaintenanceInterval: c.MaintenanceInterval,
		ProtocolVersion:     c.ProtocolVersion,
		CompatibilityWindow: c.CompatibilityWindow,
		MaxFrameSize:        c.MaxFrameSize,
		MaxPexAddresses:     c.MaxPexAddresses,
		AcceptRate:          c.AcceptRate,
		AcceptBurst:         c.AcceptBurst,
		Conn: p2p.ConnConfig{
			QueueSize:    c.QueueSize,
			ReadTimeout:  c.ReadTimeout,
			WriteTimeout: c.WriteTimeout,
			RateLimit:    c.RateLimit,
			RateBurst:    c.RateBurst,
		},
		Book: p2p.PeerBookConfig{
			Reputation: p2p.ReputationConfig{
				BanScore:      c.BanScore,
				BanDuration:   c.BanDuration,
				DecayHalfLife: c.ReputationHalfLife,
			},
			Capacity: c.PeerBookCapacity,
		},
		Sync: p2p.SyncConfig{
			BatchSize:          c.SyncBatchSize,
			Interval:           c.SyncInterval,
			RequestTimeout:     c.RequestTimeout,
			MaxInFlightPerPeer: c.MaxInFlightPerPeer,
			MaxRetries:         c.MaxRetries,
			MaxForkDepth:       c.MaxForkDepth,
		},
		Gossip: p2p.GossipConfig{
			SeenCapacity:  c.SeenCapacity,
			SeenRetention: c.SeenRetention,
			MempoolLimit:  c.MempoolLimit,
		},
		Bootnodes: append([]string(nil), c.Bootnodes...),
		DNSSeeds:  append([]string(nil), c.DNSSeeds...),
	}
}

// ChainPath is where the chain database lives.
func (cfg *Config) ChainPath() string { return filepath.Join(cfg.DataDir, "chain") }

// Peer Book storage backends.
const (
	PeerstoreLevelDB = "leveldb"
	PeerstoreBolt    = "bolt"
)

// PeerstorePath is where the Peer Book is persisted.
func (cfg *Config) PeerstorePath() string {
	if cfg.PeerstoreBackend == PeerstoreBolt {
		return filepath.Join(cfg.DataDir, "peers.db")
	}
	return filepath.Join(cfg.DataDir, "peers")
}
