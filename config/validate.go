package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate rejects settings the node cannot run with. Zero values are left to
// the network layer's defaults.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if cfg.NodeKeyPath == "" && cfg.NodeKeystorePath == "" {
		return fmt.Errorf("NodeKeyPath or NodeKeystorePath must be set")
	}
	if cfg.NodeKeystorePath != "" && cfg.NodeKeystorePassEnv == "" {
		return fmt.Errorf("NodeKeystorePassEnv must name the passphrase variable when NodeKeystorePath is set")
	}
	switch cfg.PeerstoreBackend {
	case PeerstoreLevelDB, PeerstoreBolt:
	default:
		return fmt.Errorf("PeerstoreBackend %q must be %q or %q", cfg.PeerstoreBackend, PeerstoreLevelDB, PeerstoreBolt)
	}
	p := cfg.P2P
	if _, _, err := net.SplitHostPort(p.ListenAddress); err != nil {
		return fmt.Errorf("p2p.ListenAddress: %w", err)
	}
	if p.MaxPeers < 0 || p.MaxInbound < 0 || p.MaxOutbound < 0 || p.MinOutbound < 0 {
		return fmt.Errorf("p2p: peer limits cannot be negative")
	}
	if p.MaxPeers > 0 && (p.MaxInbound > p.MaxPeers || p.MaxOutbound > p.MaxPeers) {
		return fmt.Errorf("p2p: MaxInbound and MaxOutbound cannot exceed MaxPeers")
	}
	if p.MinOutbound > 0 && p.MaxOutbound > 0 && p.MinOutbound > p.MaxOutbound {
		return fmt.Errorf("p2p: MinOutbound %d exceeds MaxOutbound %d", p.MinOutbound, p.MaxOutbound)
	}
	if p.PingInterval > 0 && p.ReadTimeout > 0 && p.ReadTimeout <= p.PingInterval {
		return fmt.Errorf("p2p: ReadTimeout must exceed PingInterval or idle peers are dropped between pings")
	}
	if p.MaxFrameSize > 0 && p.MaxFrameSize < 1024 {
		return fmt.Errorf("p2p: MaxFrameSize %d is below 1024 bytes", p.MaxFrameSize)
	}
	if p.BanScore < 0 {
		return fmt.Errorf("p2p: BanScore cannot be negative")
	}
	if p.RateLimit < 0 || p.AcceptRate < 0 {
		return fmt.Errorf("p2p: rate limits cannot be negative")
	}
	for i, addr := range p.Bootnodes {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("p2p.Bootnodes[%d]: %w", i, err)
		}
	}
	if len(p.DNSSeeds) > 0 && p.DNSSeedPort == 0 {
		return fmt.Errorf("p2p.DNSSeedPort must be set when DNSSeeds are configured")
	}
	if cfg.Mempool.Capacity < 0 {
		return fmt.Errorf("mempool.Capacity cannot be negative")
	}
	return nil
}
