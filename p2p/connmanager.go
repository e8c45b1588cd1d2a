package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chainp2p/observability/logging"
)

// runMaintenance bootstraps the peer set and then keeps it healthy: expired
// bans are pruned, connections are pinged and outbound slots are refilled.
func (n *Network) runMaintenance(ctx context.Context) {
	n.bootstrap(ctx)
	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.maintain(ctx)
		}
	}
}

func (n *Network) bootstrap(ctx context.Context) {
	for _, addr := range n.cfg.Bootnodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := n.book.Register(addr); err != nil {
			n.logger.Warn("Ignoring bootnode", logging.MaskField("peer_address", addr), slog.Any("error", err))
		}
	}
	if n.deps.Resolver != nil && len(n.cfg.DNSSeeds) > 0 {
		addrs, err := n.deps.Resolver.Resolve(ctx, n.cfg.DNSSeeds)
		if err != nil {
			n.logger.Warn("DNS seed resolution failed", slog.Any("error", err))
		}
		learned := 0
		for _, addr := range addrs {
			if n.book.Learn(addr) {
				learned++
			}
		}
		n.logger.Info("DNS seeds resolved", logging.MaskAddresses("addresses", addrs), slog.Int("new", learned))
	}
	n.fillOutbound(ctx)
}

func (n *Network) maintain(ctx context.Context) {
	now := n.now()
	for _, addr := range n.book.PruneExpiredBans() {
		n.logger.Debug("Ban expired", logging.MaskField("peer_address", addr))
	}
	n.accept.prune(now)
	for _, c := range n.snapshotConns() {
		if n.book.IsBanned(c.addr) {
			c.Close(ErrPeerBanned)
			continue
		}
		if c.pingOverdue(now, n.cfg.PingTimeout) {
			c.Close(fmt.Errorf("%w: ping unanswered for %s", ErrPeerUnresponsive, n.cfg.PingTimeout))
			continue
		}
		c.ping(now, n.cfg.PingInterval)
	}
	n.fillOutbound(ctx)
}

// fillOutbound dials the best candidates until MinOutbound connections are
// open or pending, within the peer limits.
func (n *Network) fillOutbound(ctx context.Context) {
	n.mu.RLock()
	total := len(n.conns) + n.pendingInbound + n.pendingOutbound
	outbound := n.outbound + n.pendingOutbound
	stopping := n.stopping
	n.mu.RUnlock()
	if stopping {
		return
	}
	needed := min(n.cfg.MinOutbound-outbound, n.cfg.MaxPeers-total)
	if needed <= 0 {
		return
	}
	for _, addr := range n.book.SelectCandidates(needed) {
		target := addr
		n.spawn(func() {
			if err := n.Connect(ctx, target); err != nil {
				n.logger.Debug("Outbound dial failed",
					logging.MaskField("peer_address", target),
					slog.Any("error", err))
			}
		})
	}
}
