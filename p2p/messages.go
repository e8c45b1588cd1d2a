package p2p

import (
	"fmt"
	"net"
	"strconv"
)

// Tag is the one byte type discriminator of a wire frame.
type Tag byte

// Application message tags.
const (
	TagVersion       Tag = 0x01
	TagVerack        Tag = 0x02
	TagGetPeers      Tag = 0x03
	TagPeers         Tag = 0x04
	TagPing          Tag = 0x05
	TagPong          Tag = 0x06
	TagGetBlocks     Tag = 0x07
	TagBlocks        Tag = 0x08
	TagGetMemoryPool Tag = 0x09
	TagMemoryPool    Tag = 0x0A
	TagTransaction   Tag = 0x0B
	TagBlock         Tag = 0x0C
)

// Handshake packet tags. They share the frame layout but are never decoded as
// application messages.
const (
	tagHandshakeHello  Tag = 0x40
	tagHandshakeReply  Tag = 0x41
	tagHandshakeFinish Tag = 0x42
)

func (t Tag) String() string {
	switch t {
	case TagVersion:
		return "version"
	case TagVerack:
		return "verack"
	case TagGetPeers:
		return "get_peers"
	case TagPeers:
		return "peers"
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagGetBlocks:
		return "get_blocks"
	case TagBlocks:
		return "blocks"
	case TagGetMemoryPool:
		return "get_memory_pool"
	case TagMemoryPool:
		return "memory_pool"
	case TagTransaction:
		return "transaction"
	case TagBlock:
		return "block"
	case tagHandshakeHello:
		return "handshake_hello"
	case tagHandshakeReply:
		return "handshake_reply"
	case tagHandshakeFinish:
		return "handshake_finish"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// Message is the closed set of application messages exchanged after the
// handshake. Only types declared in this file implement it.
type Message interface {
	Tag() Tag
	isMessage()
}

// Version announces the sender's protocol version and chain height.
type Version struct {
	ProtocolVersion uint32
	NodeHeight      uint32
	ListeningPort   uint16
	Nonce           uint64
}

// Verack acknowledges a Version by echoing its nonce.
type Verack struct {
	Nonce uint64
}

// GetPeers asks for known peer addresses.
type GetPeers struct{}

// NetAddress is an IPv4 or IPv6 endpoint advertised in Peers.
type NetAddress struct {
	IP   net.IP
	Port uint16
}

// String renders the address in host:port form.
func (a NetAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Peers answers GetPeers. IPs travel with their length, so a 16-byte IPv4
// address stays 16 bytes. An empty list decodes as nil.
type Peers struct {
	Addresses []NetAddress
}

// NewPeers builds a Peers message in the shape the codec decodes.
func NewPeers(addrs ...NetAddress) *Peers {
	if len(addrs) == 0 {
		return &Peers{}
	}
	return &Peers{Addresses: addrs}
}

// Ping is a keepalive carrying a nonce echoed by Pong.
type Ping struct {
	Nonce uint64
}

// Pong answers Ping.
type Pong struct {
	Nonce uint64
}

// GetBlocks requests the inclusive height range [Start, End].
type GetBlocks struct {
	Start uint32
	End   uint32
}

// Blocks carries serialized blocks, in ascending height order, answering
// GetBlocks. Entries must be non-empty; an empty list decodes as nil.
type Blocks struct {
	Blocks [][]byte
}

// NewBlocks builds a Blocks message in the shape the codec decodes.
func NewBlocks(raws ...[]byte) *Blocks {
	if len(raws) == 0 {
		return &Blocks{}
	}
	return &Blocks{Blocks: raws}
}

// GetMemoryPool asks for the peer's pending transactions.
type GetMemoryPool struct{}

// MemoryPool carries serialized pending transactions. Entries must be
// non-empty; an empty list decodes as nil.
type MemoryPool struct {
	Transactions [][]byte
}

// NewMemoryPool builds a MemoryPool message in the shape the codec decodes.
func NewMemoryPool(raws ...[]byte) *MemoryPool {
	if len(raws) == 0 {
		return &MemoryPool{}
	}
	return &MemoryPool{Transactions: raws}
}

// Transaction relays one serialized transaction.
type Transaction struct {
	Raw []byte
}

// Block relays one serialized block.
type Block struct {
	Raw []byte
}

func (*Version) Tag() Tag       { return TagVersion }
func (*Verack) Tag() Tag        { return TagVerack }
func (*GetPeers) Tag() Tag      { return TagGetPeers }
func (*Peers) Tag() Tag         { return TagPeers }
func (*Ping) Tag() Tag          { return TagPing }
func (*Pong) Tag() Tag          { return TagPong }
func (*GetBlocks) Tag() Tag     { return TagGetBlocks }
func (*Blocks) Tag() Tag        { return TagBlocks }
func (*GetMemoryPool) Tag() Tag { return TagGetMemoryPool }
func (*MemoryPool) Tag() Tag    { return TagMemoryPool }
func (*Transaction) Tag() Tag   { return TagTransaction }
func (*Block) Tag() Tag         { return TagBlock }

func (*Version) isMessage()       {}
func (*Verack) isMessage()        {}
func (*GetPeers) isMessage()      {}
func (*Peers) isMessage()         {}
func (*Ping) isMessage()          {}
func (*Pong) isMessage()          {}
func (*GetBlocks) isMessage()     {}
func (*Blocks) isMessage()        {}
func (*GetMemoryPool) isMessage() {}
func (*MemoryPool) isMessage()    {}
func (*Transaction) isMessage()   {}
func (*Block) isMessage()         {}

// isControl reports whether a message may be dropped under outbound pressure.
// Block and transaction traffic, including sync requests and responses, never is.
func isControl(msg Message) bool {
	switch msg.(type) {
	case *Ping, *Pong, *GetPeers, *Peers, *GetMemoryPool, *MemoryPool, *Version, *Verack:
		return true
	default:
		return false
	}
}
