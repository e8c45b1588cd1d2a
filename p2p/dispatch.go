package p2p

import (
	"log/slog"
	"time"
)

// handleMessage routes one decoded message from c. A non-nil error tears the
// connection down.
func (n *Network) handleMessage(c *Conn, msg Message) error {
	n.book.Touch(c.addr)
	switch m := msg.(type) {
	case *Version, *Verack:
		return protocolErrorf(OutOfSequence, "%s after handshake", msg.Tag())
	case *GetPeers:
		n.pex.handleGetPeers(c)
	case *Peers:
		n.pex.handlePeers(c, m)
	case *Ping:
		_ = c.Send(&Pong{Nonce: m.Nonce})
	case *Pong:
		n.handlePong(c, m)
	case *GetBlocks:
		n.sync.ServeGetBlocks(c.addr, m)
	case *Blocks:
		return n.sync.HandleBlocks(c.addr, m)
	case *Transaction, *Block, *GetMemoryPool, *MemoryPool:
		if err := n.gossip.Deliver(c.ctx, c.addr, msg); err != nil {
			c.logger.Debug("Gossip message not queued",
				slog.String("type", msg.Tag().String()),
				slog.Any("error", err))
		}
	default:
		return protocolErrorf(UnknownTag, "%s", msg.Tag())
	}
	return nil
}

func (n *Network) handlePong(c *Conn, m *Pong) {
	rtt, ok := c.handlePong(m.Nonce, n.now())
	if !ok {
		return
	}
	n.book.ObserveLatency(c.addr, rtt)
	n.metrics.observeLatency(c.remote.NodeID, float64(rtt)/float64(time.Millisecond))
}
