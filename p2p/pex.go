package p2p

import (
	"log/slog"
	"net"
	"strconv"
)

// pexHandler answers GetPeers from the Peer Book and records addresses
// learned from Peers.
type pexHandler struct {
	book   *PeerBook
	max    int
	logger *slog.Logger
}

func (p *pexHandler) handleGetPeers(c *Conn) {
	addrs := p.book.Addresses(p.max + 1)
	out := make([]NetAddress, 0, len(addrs))
	for _, addr := range addrs {
		if addr == c.addr || len(out) >= p.max {
			continue
		}
		na, ok := toNetAddress(addr)
		if !ok {
			continue
		}
		out = append(out, na)
	}
	_ = c.Send(NewPeers(out...))
}

func (p *pexHandler) handlePeers(c *Conn, m *Peers) {
	learned := 0
	for i, na := range m.Addresses {
		if i >= p.max {
			break
		}
		if na.Port == 0 || na.IP == nil || na.IP.IsUnspecified() || na.IP.IsMulticast() {
			continue
		}
		if p.book.Learn(na.String()) {
			learned++
		}
	}
	if learned > 0 {
		c.logger.Debug("Learned peer addresses", slog.Int("count", learned))
	}
}

func toNetAddress(addr string) (NetAddress, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return NetAddress{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NetAddress{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return NetAddress{}, false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return NetAddress{IP: ip, Port: uint16(port)}, true
}
